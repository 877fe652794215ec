package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
)

// maxProxyBody caps inbound dialect request bodies (20 MB).
const maxProxyBody = 20 << 20

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveDialect(w, r, gateway.DialectOpenAI, "", nil)
}

func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.serveDialect(w, r, gateway.DialectOpenAIResponses, "", nil)
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.serveDialect(w, r, gateway.DialectAnthropic, "", nil)
}

// handleGemini routes both generateContent actions. The model name and
// action travel in one path segment, separated by a colon.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	model, action, ok := strings.Cut(urlParam(r, "modelAction"), ":")
	if !ok || model == "" {
		writeJSON(w, http.StatusNotFound, errorResponse("unknown gemini action"))
		return
	}
	var stream bool
	switch action {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		writeJSON(w, http.StatusNotFound, errorResponse("unknown gemini action "+action))
		return
	}
	s.serveDialect(w, r, gateway.DialectGemini, model, &stream)
}

// serveDialect is the shared dispatch path for all four dialect endpoints.
// modelOverride and forceStream carry the values gemini encodes in the URL
// instead of the body.
func (s *server) serveDialect(w http.ResponseWriter, r *http.Request, d gateway.Dialect, modelOverride string, forceStream *bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("read request body: "+err.Error()))
		return
	}

	in, err := s.deps.Registry.Inbound(d)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		return
	}
	req, err := in.DecodeRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if modelOverride != "" {
		req.Model = modelOverride
	}
	if forceStream != nil {
		req.Stream = *forceStream
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}

	adm, ok := s.admit(w, r, d, req.Model, dialect.RequiredCapabilities(req))
	if !ok {
		return
	}
	// Usage accounting runs once the dispatch outcome is known.
	defer s.deps.Auth.Touch(r.Context(), adm.AuthKeyID)

	if req.Stream {
		factory := func(passthrough bool, record func([]byte)) dialect.StreamWriter {
			return in.NewStreamWriter(w, passthrough, record)
		}
		if err := s.deps.Dispatcher.Stream(r.Context(), adm, req, factory); err != nil {
			if errors.Is(err, gateway.ErrStreamBroken) {
				// Bytes already reached the client; the connection is the
				// only thing left to close.
				slog.LogAttrs(r.Context(), slog.LevelError, "stream broken",
					slog.String("model", req.Model),
					slog.String("error", err.Error()),
				)
				return
			}
			s.writeDispatchError(w, r, err)
		}
		return
	}

	resp, err := s.deps.Dispatcher.Complete(r.Context(), adm, req)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	out, err := in.EncodeResponse(resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("encode response: "+err.Error()))
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// admit checks the authenticated key against the model and builds the
// admission context. Writes the error response itself on refusal.
func (s *server) admit(w http.ResponseWriter, r *http.Request, d gateway.Dialect, model string, require gateway.Capabilities) (*gateway.AdmissionContext, bool) {
	key := gateway.AuthKeyFromContext(r.Context())
	if key == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return nil, false
	}
	if err := s.deps.Auth.Admit(key, model, time.Now()); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()+": "+model))
		return nil, false
	}

	return &gateway.AdmissionContext{
		AuthKeyID:     key.ID,
		KeyName:       key.Name,
		ModelName:     model,
		RemoteIP:      remoteIP(r),
		UserAgent:     r.UserAgent(),
		Dialect:       d,
		Require:       require,
		InboundHeader: r.Header,
	}, true
}

// handleCountTokens serves anthropic token counting: forwarded upstream
// when a live anthropic binding exists (and the anthropic_count_tokens
// setting does not disable it), locally estimated otherwise.
func (s *server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("read request body: "+err.Error()))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}

	adm, ok := s.admit(w, r, gateway.DialectAnthropic, model, gateway.Capabilities{})
	if !ok {
		return
	}
	defer s.deps.Auth.Touch(r.Context(), adm.AuthKeyID)

	if s.countTokensUpstreamEnabled(r) {
		n, found, err := s.deps.Dispatcher.CountTokens(r.Context(), adm, body)
		if err == nil && found {
			writeJSON(w, http.StatusOK, countTokensResponse{InputTokens: n})
			return
		}
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "upstream count_tokens failed",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, countTokensResponse{
		InputTokens: s.deps.Counter.EstimateMessagesBody(body),
	})
}

type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// countTokensUpstreamEnabled consults the anthropic_count_tokens setting.
// Absent or unreadable means enabled.
func (s *server) countTokensUpstreamEnabled(r *http.Request) bool {
	setting, err := s.deps.Store.GetSetting(r.Context(), "anthropic_count_tokens")
	if err != nil {
		return true
	}
	v := gjson.ParseBytes(setting.Value)
	if v.IsBool() {
		return v.Bool()
	}
	if e := v.Get("enabled"); e.Exists() {
		return e.Bool()
	}
	return true
}

// --- Model listings ---

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, ok := s.allowedModels(w, r)
	if !ok {
		return
	}
	data := make([]modelObject, 0, len(models))
	for _, m := range models {
		data = append(data, modelObject{
			ID:      m.Name,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "heimdall",
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Object string        `json:"object"`
		Data   []modelObject `json:"data"`
	}{"list", data})
}

type geminiModel struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

func (s *server) handleListModelsGemini(w http.ResponseWriter, r *http.Request) {
	models, ok := s.allowedModels(w, r)
	if !ok {
		return
	}
	data := make([]geminiModel, 0, len(models))
	for _, m := range models {
		data = append(data, geminiModel{
			Name:                       "models/" + m.Name,
			DisplayName:                m.Name,
			SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent"},
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Models []geminiModel `json:"models"`
	}{data})
}

// allowedModels lists the live models the authenticated key may call.
func (s *server) allowedModels(w http.ResponseWriter, r *http.Request) ([]*gateway.Model, bool) {
	key := gateway.AuthKeyFromContext(r.Context())
	if key == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return nil, false
	}
	all, err := s.deps.Store.ListModels(r.Context(), 0, 1000)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list models"))
		return nil, false
	}
	now := time.Now()
	models := all[:0]
	for _, m := range all {
		if key.Authorizes(m.Name, now) {
			models = append(models, m)
		}
	}
	return models, true
}

// --- Error plumbing ---

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// writeDispatchError renders a terminal dispatch error. Non-retryable
// upstream HTTP errors mirror the upstream status and body; everything
// else maps through errorStatus.
func (s *server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var upErr *dialect.APIError
	if errors.As(err, &upErr) && len(upErr.Body) > 0 {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(upErr.StatusCode)
		w.Write([]byte(upErr.Body))
		return
	}
	status := errorStatus(err)
	if status >= 500 {
		slog.LogAttrs(r.Context(), slog.LevelError, "dispatch failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, errorResponse(err.Error()))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrKeyExpired),
		errors.Is(err, gateway.ErrModelNotAllowed):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrNoUpstream):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
