// Package admin serves the REST CRUD surface over the subscription store
// and the upstream registry.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"mcpr.dev/daemon/store"
	"mcpr.dev/daemon/upstream"
)

// Server is the admin API handler.
type Server struct {
	store *store.Store
	reg   *upstream.Registry
	log   zerolog.Logger
}

// New creates the admin server.
func New(st *store.Store, reg *upstream.Registry, log zerolog.Logger) *Server {
	return &Server{store: st, reg: reg, log: log}
}

// Register mounts the admin routes on the given subrouter.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/upstreams", s.listUpstreams).Methods(http.MethodGet)
	r.HandleFunc("/upstreams", s.createUpstream).Methods(http.MethodPost)
	r.HandleFunc("/providers", s.listProviders).Methods(http.MethodGet)
	r.HandleFunc("/providers", s.createProvider).Methods(http.MethodPost)
	r.HandleFunc("/providers/keys", s.storeProviderKey).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions", s.upsertSubscription).Methods(http.MethodPost)
	r.HandleFunc("/users", s.listUsers).Methods(http.MethodGet)
	r.HandleFunc("/users", s.createUser).Methods(http.MethodPost)
	r.HandleFunc("/tokens", s.listTokens).Methods(http.MethodGet)
	r.HandleFunc("/tokens", s.issueToken).Methods(http.MethodPost)
}

func (s *Server) listUpstreams(w http.ResponseWriter, req *http.Request) {
	records, err := s.store.ListUpstreams(req.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []*store.UpstreamRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) createUpstream(w http.ResponseWriter, req *http.Request) {
	var rec store.UpstreamRecord
	if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.reg.Register(upstream.Registration{
		Name:         rec.Name,
		Kind:         rec.Kind,
		Command:      rec.Command,
		Args:         rec.Args,
		URL:          rec.URL,
		Bearer:       rec.Bearer,
		ProviderSlug: rec.ProviderSlug,
	}); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.UpsertUpstream(req.Context(), rec); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listProviders(w http.ResponseWriter, req *http.Request) {
	providers, err := s.store.ListProviders(req.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if providers == nil {
		providers = []*store.Provider{}
	}
	s.writeJSON(w, http.StatusOK, providers)
}

func (s *Server) createProvider(w http.ResponseWriter, req *http.Request) {
	var p store.NewProvider
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.store.PutProvider(req.Context(), p)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) storeProviderKey(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		ProviderSlug string `json:"provider_slug"`
		Name         string `json:"name"`
		Value        string `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.StoreProviderKey(req.Context(), payload.ProviderSlug, payload.Name, []byte(payload.Value)); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, req *http.Request) {
	subs, err := s.store.ListSubscriptions(req.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if subs == nil {
		subs = []*store.Subscription{}
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) upsertSubscription(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		UserID        string `json:"user_id"`
		Tier          string `json:"tier"`
		ExpiresAt     string `json:"expires_at,omitempty"`
		MaxTokens     *int64 `json:"max_tokens,omitempty"`
		MaxRequests   *int64 `json:"max_requests,omitempty"`
		MaxConcurrent *int64 `json:"max_concurrent,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var expiresAt *time.Time
	if payload.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, payload.ExpiresAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		t = t.UTC()
		expiresAt = &t
	}
	// The quota triple applies only when fully specified; otherwise the
	// tier preset is used.
	var quota *store.Quota
	if payload.MaxTokens != nil && payload.MaxRequests != nil && payload.MaxConcurrent != nil {
		quota = &store.Quota{
			MaxTokens:     *payload.MaxTokens,
			MaxRequests:   *payload.MaxRequests,
			MaxConcurrent: *payload.MaxConcurrent,
		}
	}
	sub, err := s.store.UpsertSubscription(req.Context(), payload.UserID, store.Tier(payload.Tier), expiresAt, quota)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) listUsers(w http.ResponseWriter, req *http.Request) {
	users, err := s.store.ListUsers(req.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if users == nil {
		users = []*store.User{}
	}
	s.writeJSON(w, http.StatusOK, users)
}

func (s *Server) createUser(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.store.EnsureUser(req.Context(), payload.Email, payload.Name)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

func (s *Server) listTokens(w http.ResponseWriter, req *http.Request) {
	tokens, err := s.store.ListTokens(req.Context(), req.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tokens == nil {
		tokens = []*store.APIToken{}
	}
	s.writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) issueToken(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		UserID string `json:"user_id"`
		Scope  string `json:"scope,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	tok, err := s.store.IssueToken(req.Context(), payload.UserID, payload.Scope)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("admin: encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
