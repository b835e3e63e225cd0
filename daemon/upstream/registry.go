// Package upstream manages the backend MCP servers the router fans out
// to: a name-keyed registry of handles, each owning one transport driver
// (HTTP POST or a stdio child process).
package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"go4.org/syncutil"

	"mcpr.dev/internal/jsonrpc"
)

// ErrUnknownUpstream is reported when a call names an unregistered backend.
var ErrUnknownUpstream = errors.New("unknown upstream")

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Caller is the single capability every transport driver implements.
// Implementations must be safe for concurrent use.
type Caller interface {
	Call(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error)
}

// Registration describes a backend to register.
type Registration struct {
	Name         string
	Kind         string // "stdio" or "http"
	Command      string
	Args         []string
	URL          string
	Bearer       string
	ProviderSlug string
}

// Handle is a registered backend. Its lifetime equals the process.
type Handle struct {
	name         string
	providerSlug string
	transport    Caller

	initOnce syncutil.Once
	infoMu   sync.Mutex
	info     json.RawMessage
}

// Name returns the registered upstream name, the namespace prefix on the wire.
func (h *Handle) Name() string { return h.name }

// ProviderSlug returns the catalog provider this upstream bills against,
// or empty.
func (h *Handle) ProviderSlug() string { return h.providerSlug }

// Call forwards a request on the handle's transport.
func (h *Handle) Call(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	return h.transport.Call(ctx, req)
}

// Initialize calls the backend's initialize method, memoizing the result.
// Subsequent calls return the cached info without touching the transport.
func (h *Handle) Initialize(ctx context.Context) (json.RawMessage, error) {
	err := h.initOnce.Do(func() error {
		resp, err := h.transport.Call(ctx, jsonrpc.Request{JSONRPC: "2.0", Method: "initialize"})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return errors.Newf("initialize failed for upstream %s: %s", h.name, resp.Error.Message)
		}
		if len(resp.Result) == 0 {
			return errors.Newf("initialize missing result for upstream %s", h.name)
		}
		h.infoMu.Lock()
		h.info = resp.Result
		h.infoMu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.infoMu.Lock()
	defer h.infoMu.Unlock()
	return h.info, nil
}

// Registry maps upstream names to driver handles. Reads dominate writes,
// so the table is guarded by a read-biased lock.
type Registry struct {
	// Client is shared by all HTTP drivers. Defaults to http.DefaultClient.
	Client *http.Client

	mu      sync.RWMutex
	order   []string
	entries map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Handle)}
}

// Register builds the concrete driver for the registration and installs
// the handle, replacing any existing handle with the same name.
func (r *Registry) Register(reg Registration) error {
	if !nameRe.MatchString(reg.Name) {
		return errors.Newf("invalid upstream name %q", reg.Name)
	}
	var transport Caller
	switch reg.Kind {
	case "http":
		if reg.URL == "" {
			return errors.Newf("http upstream %s requires url", reg.Name)
		}
		transport = &httpTransport{client: r.httpClient(), url: reg.URL, bearer: reg.Bearer}
	case "stdio":
		if reg.Command == "" {
			return errors.Newf("stdio upstream %s requires command", reg.Name)
		}
		transport = &stdioTransport{command: reg.Command, args: reg.Args}
	default:
		return errors.Newf("unknown upstream kind %q for %s", reg.Kind, reg.Name)
	}
	r.add(reg.Name, &Handle{name: reg.Name, providerSlug: reg.ProviderSlug, transport: transport})
	return nil
}

func (r *Registry) add(name string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}
	r.entries[name] = h
}

func (r *Registry) httpClient() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// Lookup returns the handle registered under name.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[name]
	return h, ok
}

// List returns all handles in registration order.
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]*Handle, 0, len(r.order))
	for _, name := range r.order {
		handles = append(handles, r.entries[name])
	}
	return handles
}

// Call forwards a request to the named backend.
func (r *Registry) Call(ctx context.Context, name string, req jsonrpc.Request) (jsonrpc.Response, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return jsonrpc.Response{}, errors.Wrapf(ErrUnknownUpstream, "%s", name)
	}
	return h.Call(ctx, req)
}

// InitInfo pairs an upstream name with its self-reported initialize result.
type InitInfo struct {
	Name string          `json:"name"`
	Info json.RawMessage `json:"info"`
}

// EnsureInitialized initializes every registered backend, memoized
// per-handle, preserving registration order. Backends that fail are
// logged and omitted.
func (r *Registry) EnsureInitialized(ctx context.Context) []InitInfo {
	var infos []InitInfo
	for _, h := range r.List() {
		info, err := h.Initialize(ctx)
		if err != nil {
			log.Warn().Err(err).Str("upstream", h.name).Msg("upstream initialize failed")
			continue
		}
		infos = append(infos, InitInfo{Name: h.name, Info: info})
	}
	return infos
}
