// Package daemon wires the router subsystems together and serves the
// HTTP surface: the JSON-RPC ingress, the SSE stream, the admin API and
// the operational endpoints.
package daemon

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mcpr.dev/daemon/admin"
	"mcpr.dev/daemon/events"
	"mcpr.dev/daemon/router"
	"mcpr.dev/daemon/secret"
	"mcpr.dev/daemon/store"
	"mcpr.dev/daemon/upstream"
	"mcpr.dev/internal/config"
	"mcpr.dev/internal/jsonrpc"
	"mcpr.dev/internal/metrics"
)

// Daemon owns the router subsystems for the lifetime of the process.
type Daemon struct {
	Config   *config.Config
	Store    *store.Store
	Registry *upstream.Registry
	Hub      *events.Hub
	Router   *router.Router
	Admin    *admin.Server

	log zerolog.Logger
}

// New opens the store and constructs the subsystems. Call Bootstrap
// before serving.
func New(cfg *config.Config) (*Daemon, error) {
	enc, err := secret.FromEnv()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	st, err := store.Open(cfg.Database.Path, enc)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "daemon").Logger()
	reg := upstream.NewRegistry()
	hub := events.NewHub(events.DefaultCapacity)
	rt := router.New(reg, st, hub, log.With().Str("component", "router").Logger())

	return &Daemon{
		Config:   cfg,
		Store:    st,
		Registry: reg,
		Hub:      hub,
		Router:   rt,
		Admin:    admin.New(st, reg, log.With().Str("component", "admin").Logger()),
		log:      logger,
	}, nil
}

// Bootstrap registers configured upstreams, loads additional upstream
// records from the store, upserts the provider catalog, and materializes
// the server info blob.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	for _, u := range d.Config.Upstreams {
		if err := d.Registry.Register(upstream.Registration{
			Name:         u.Name,
			Kind:         u.Kind,
			Command:      u.Command,
			Args:         u.Args,
			URL:          u.URL,
			Bearer:       u.Bearer,
			ProviderSlug: u.ProviderSlug,
		}); err != nil {
			return errors.Wrapf(err, "register configured upstream %s", u.Name)
		}
	}

	records, err := d.Store.ListUpstreams(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, exists := d.Registry.Lookup(rec.Name); exists {
			continue // static config wins over the stored record
		}
		if err := d.Registry.Register(upstream.Registration{
			Name:         rec.Name,
			Kind:         rec.Kind,
			Command:      rec.Command,
			Args:         rec.Args,
			URL:          rec.URL,
			Bearer:       rec.Bearer,
			ProviderSlug: rec.ProviderSlug,
		}); err != nil {
			d.log.Warn().Err(err).Str("upstream", rec.Name).Msg("skipping stored upstream")
		}
	}

	for _, p := range d.Config.Providers {
		if _, err := d.Store.PutProvider(ctx, store.NewProvider{
			Slug:        p.Slug,
			DisplayName: p.DisplayName,
			Description: p.Description,
		}); err != nil {
			return errors.Wrapf(err, "upsert provider %s", p.Slug)
		}
	}

	d.Router.BuildInfo(ctx)
	return nil
}

// Handler assembles the HTTP surface.
func (d *Daemon) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	mcp := r.NewRoute().Subrouter()
	mcp.Use(d.requireBearer)
	mcp.HandleFunc("/mcp", d.handleMCP).Methods(http.MethodPost)
	mcp.HandleFunc("/mcp/stream", d.handleStream).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(d.requireBearer)
	d.Admin.Register(api)
	return r
}

// Run serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	srv := &http.Server{Addr: d.Config.Server.Addr, Handler: d.Handler()}
	errc := make(chan error, 1)
	go func() {
		d.log.Info().Str("addr", d.Config.Server.Addr).Msg("serving mcp router")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "server error")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close releases the daemon's resources.
func (d *Daemon) Close() error {
	return d.Store.Close()
}

// requireBearer validates the shared secret on every protected request.
// Failures are pre-dispatch: HTTP 401 without a JSON-RPC body.
func (d *Daemon) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		expected := d.Config.Server.AuthBearer
		if expected == "" {
			next.ServeHTTP(w, req)
			return
		}
		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok || token != expected {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (d *Daemon) handleMCP(w http.ResponseWriter, req *http.Request) {
	var rpcReq jsonrpc.Request
	if err := jsonrpc.UnmarshalReader(req.Body, &rpcReq); err != nil {
		d.writeRPC(w, jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "invalid request body"))
		return
	}
	d.writeRPC(w, d.Router.Handle(req.Context(), rpcReq))
}

func (d *Daemon) writeRPC(w http.ResponseWriter, resp jsonrpc.Response) {
	body, err := jsonrpc.Marshal(resp)
	if err != nil {
		d.log.Error().Err(err).Msg("encode rpc response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
