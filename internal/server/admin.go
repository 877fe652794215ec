package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// envelope is the admin response wrapper: {code, message, data}.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	writeJSON(w, code, envelope{Code: code, Message: msg, Data: data})
}

func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, "ok", data)
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeEnvelope(w, status, "not found", nil)
	case errors.Is(err, gateway.ErrConflict):
		writeEnvelope(w, status, "conflict", nil)
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeEnvelope(w, status, "internal error", nil)
	}
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// urlID parses the {id} route parameter. Writes a 400 on garbage.
func urlID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(urlParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeEnvelope(w, http.StatusBadRequest, "invalid id", nil)
		return 0, false
	}
	return id, true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listPage struct {
	Items      any        `json:"items"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if providers == nil {
		providers = []*gateway.Provider{}
	}
	writeOK(w, providers)
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.Provider
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" {
		writeEnvelope(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if !p.Type.Valid() {
		writeEnvelope(w, http.StatusBadRequest, "unknown provider type", nil)
		return
	}
	p.ID = 0
	if err := s.deps.Store.CreateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, p)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Store.GetProvider(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeOK(w, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var p gateway.Provider
	if !decodeJSON(w, r, &p) {
		return
	}
	if !p.Type.Valid() {
		writeEnvelope(w, http.StatusBadRequest, "unknown provider type", nil)
		return
	}
	p.ID = id
	if err := s.deps.Store.UpdateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteProvider(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, nil)
}

// --- Models ---

func (s *server) handleListAdminModels(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	models, err := s.deps.Store.ListModels(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, _ := s.deps.Store.CountModels(r.Context())
	if models == nil {
		models = []*gateway.Model{}
	}
	writeOK(w, listPage{
		Items:      models,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func validStrategy(s gateway.Strategy) bool {
	return s == gateway.StrategyLottery || s == gateway.StrategyRotor
}

func (s *server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var m gateway.Model
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.Name == "" {
		writeEnvelope(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if m.Strategy == "" {
		m.Strategy = gateway.StrategyLottery
	}
	if !validStrategy(m.Strategy) {
		writeEnvelope(w, http.StatusBadRequest, "unknown strategy", nil)
		return
	}
	m.ID = 0
	if err := s.deps.Store.CreateModel(r.Context(), &m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, m)
}

func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	m, err := s.deps.Store.GetModel(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeOK(w, m)
}

func (s *server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var m gateway.Model
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.Strategy != "" && !validStrategy(m.Strategy) {
		writeEnvelope(w, http.StatusBadRequest, "unknown strategy", nil)
		return
	}
	m.ID = id
	if err := s.deps.Store.UpdateModel(r.Context(), &m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, m)
}

func (s *server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteModel(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, nil)
}

// --- Bindings ---

func (s *server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	bindings, err := s.deps.Store.ListBindings(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if bindings == nil {
		bindings = []*gateway.Binding{}
	}
	writeOK(w, listPage{
		Items:      bindings,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(bindings)},
	})
}

func (s *server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	var b gateway.Binding
	if !decodeJSON(w, r, &b) {
		return
	}
	if b.ModelID <= 0 || b.ProviderID <= 0 || b.ProviderModel == "" {
		writeEnvelope(w, http.StatusBadRequest, "model_id, provider_id, and provider_model are required", nil)
		return
	}
	if b.Weight < 1 {
		b.Weight = 1
	}
	b.ID = 0
	if err := s.deps.Store.CreateBinding(r.Context(), &b); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, b)
}

func (s *server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	b, err := s.deps.Store.GetBinding(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeOK(w, b)
}

func (s *server) handleUpdateBinding(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var b gateway.Binding
	if !decodeJSON(w, r, &b) {
		return
	}
	if b.Weight < 1 {
		b.Weight = 1
	}
	b.ID = id
	if err := s.deps.Store.UpdateBinding(r.Context(), &b); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, b)
}

func (s *server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteBinding(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Resolver.Invalidate(r.Context())
	writeOK(w, nil)
}

// --- Auth keys ---

// keyCreateRequest is the payload for creating a new API key.
type keyCreateRequest struct {
	Name      string   `json:"name"`
	AllowAll  bool     `json:"allow_all"`
	Models    []string `json:"models,omitempty"`
	ExpiresAt *string  `json:"expires_at,omitempty"` // RFC3339
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*gateway.AuthKey
	PlaintextKey string `json:"key"`
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid expires_at format, use RFC3339", nil)
		return nil, false
	}
	return &t, true
}

// generateKeySecret creates a new opaque key credential.
func generateKeySecret() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return "hk-" + base64.RawURLEncoding.EncodeToString(raw)
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	keys, err := s.deps.Store.ListAuthKeys(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.AuthKey{}
	}
	writeOK(w, listPage{
		Items:      keys,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(keys)},
	})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeEnvelope(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}

	key := &gateway.AuthKey{
		Name:      req.Name,
		Key:       generateKeySecret(),
		Enabled:   true,
		AllowAll:  req.AllowAll,
		Models:    req.Models,
		ExpiresAt: expiresAt,
	}
	if err := s.deps.Store.CreateAuthKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeOK(w, keyCreateResponse{AuthKey: key, PlaintextKey: key.Key})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	key, err := s.deps.Store.GetAuthKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeOK(w, key)
}

// keyUpdateRequest patches mutable key fields; nil means keep.
type keyUpdateRequest struct {
	Name      *string  `json:"name,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
	AllowAll  *bool    `json:"allow_all,omitempty"`
	Models    []string `json:"models,omitempty"`
	ExpiresAt *string  `json:"expires_at,omitempty"`
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req keyUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := s.deps.Store.GetAuthKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.Enabled != nil {
		key.Enabled = *req.Enabled
	}
	if req.AllowAll != nil {
		key.AllowAll = *req.AllowAll
	}
	if req.Models != nil {
		key.Models = req.Models
	}
	if req.ExpiresAt != nil {
		expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
		if !ok {
			return
		}
		key.ExpiresAt = expiresAt
	}
	if err := s.deps.Store.UpdateAuthKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	writeOK(w, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteAuthKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	writeOK(w, nil)
}

// --- Logs ---

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	logs, err := s.deps.Store.ListChatLogs(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, _ := s.deps.Store.CountChatLogs(r.Context())
	if logs == nil {
		logs = []*gateway.ChatLog{}
	}
	writeOK(w, listPage{
		Items:      logs,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetLogIO(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	io, err := s.deps.Store.GetChatIO(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeOK(w, io)
}

// cleanupRequest selects the retention mode: keep the newest N rows, or
// drop rows older than N days.
type cleanupRequest struct {
	Type  string `json:"type"` // "count" or "days"
	Value int64  `json:"value"`
}

type cleanupResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

func (s *server) handleLogsCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value < 0 {
		writeEnvelope(w, http.StatusBadRequest, "value must be non-negative", nil)
		return
	}

	var (
		deleted int64
		err     error
	)
	switch req.Type {
	case "count":
		deleted, err = s.deps.Store.CleanupByCount(r.Context(), req.Value)
	case "days":
		cutoff := time.Now().AddDate(0, 0, -int(req.Value))
		deleted, err = s.deps.Store.CleanupByAge(r.Context(), cutoff)
	default:
		writeEnvelope(w, http.StatusBadRequest, "type must be count or days", nil)
		return
	}
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeOK(w, cleanupResponse{DeletedCount: deleted})
}
