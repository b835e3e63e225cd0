package router

import (
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"
)

// Scheme is the prefix of router resource URIs. The payload after the
// server name is the standard Base64 (padding included) of the backend's
// original URI, so the round trip is exact for arbitrary URIs.
const Scheme = "mcp+router://"

// EncodeResourceURI wraps an upstream resource URI in the router scheme.
func EncodeResourceURI(server, uri string) string {
	return Scheme + server + "/" + base64.StdEncoding.EncodeToString([]byte(uri))
}

// DecodeResourceURI reverses EncodeResourceURI. A URI missing the scheme,
// the separator, or carrying invalid Base64 is rejected.
func DecodeResourceURI(uri string) (server, original string, err error) {
	rest, ok := strings.CutPrefix(uri, Scheme)
	if !ok {
		return "", "", errors.Newf("not a router resource uri: %q", uri)
	}
	server, payload, ok := strings.Cut(rest, "/")
	if !ok {
		return "", "", errors.Newf("malformed router resource uri: %q", uri)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", errors.Wrap(err, "decode resource uri payload")
	}
	return server, string(decoded), nil
}
