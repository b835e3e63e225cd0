package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestRequestVersionDefaults(t *testing.T) {
	c := qt.New(t)

	var req Request
	err := Unmarshal([]byte(`{"method":"initialize"}`), &req)
	c.Assert(err, qt.IsNil)
	c.Assert(req.ValidVersion(), qt.IsTrue)

	err = Unmarshal([]byte(`{"jsonrpc":"1.0","method":"initialize"}`), &req)
	c.Assert(err, qt.IsNil)
	c.Assert(req.ValidVersion(), qt.IsFalse)
}

func TestIDRoundTrip(t *testing.T) {
	c := qt.New(t)

	for _, id := range []string{`1`, `"abc"`, ``} {
		var req Request
		body := `{"jsonrpc":"2.0","method":"x"`
		if id != "" {
			body += `,"id":` + id
		}
		body += `}`
		err := Unmarshal([]byte(body), &req)
		c.Assert(err, qt.IsNil)

		resp := NewResult(req.ID, map[string]any{"ok": true})
		raw, err := Marshal(resp)
		c.Assert(err, qt.IsNil)

		var decoded map[string]json.RawMessage
		c.Assert(json.Unmarshal(raw, &decoded), qt.IsNil)
		if id == "" {
			_, present := decoded["id"]
			c.Assert(present, qt.IsFalse)
		} else {
			c.Assert(string(decoded["id"]), qt.Equals, id)
		}
	}
}

func TestErrorResponseShape(t *testing.T) {
	c := qt.New(t)

	resp := NewError(json.RawMessage(`7`), CodeMethodNotFound, "method not found: bogus")
	raw, err := Marshal(resp)
	c.Assert(err, qt.IsNil)

	var decoded map[string]json.RawMessage
	c.Assert(json.Unmarshal(raw, &decoded), qt.IsNil)
	_, hasResult := decoded["result"]
	c.Assert(hasResult, qt.IsFalse)
	c.Assert(strings.Contains(string(decoded["error"]), "-32601"), qt.IsTrue)
	c.Assert(string(decoded["id"]), qt.Equals, `7`)
}

func TestParamsMapDefaultsToEmpty(t *testing.T) {
	c := qt.New(t)

	req := Request{Method: "tools/list"}
	params, err := req.ParamsMap()
	c.Assert(err, qt.IsNil)
	c.Assert(params, qt.HasLen, 0)

	req.Params = json.RawMessage(`{"name":"a/b"}`)
	params, err = req.ParamsMap()
	c.Assert(err, qt.IsNil)
	c.Assert(params["name"], qt.Equals, "a/b")
}
