package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
)

func decodeEnvelope(t *testing.T, body []byte) (int, string, json.RawMessage) {
	t.Helper()
	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("not an envelope: %v: %s", err, body)
	}
	return env.Code, env.Message, env.Data
}

func TestAdminRequiresKey(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodGet, "/admin/providers", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	w = e.do(http.MethodGet, "/admin/providers", "sk-wrong", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAdminProviderCRUD(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodPost, "/admin/providers", testAdminKey,
		`{"name":"openai-main","type":"openai","config":{"base_url":"https://api.openai.com/v1","api_key":"sk-x"},"rpm_limit":60}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	code, msg, data := decodeEnvelope(t, w.Body.Bytes())
	if code != 200 || msg != "ok" {
		t.Errorf("envelope = %d %q", code, msg)
	}
	var created gateway.Provider
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == 0 || created.RPMLimit != 60 {
		t.Errorf("created = %+v", created)
	}

	w = e.do(http.MethodGet, "/admin/providers/1", testAdminKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}

	w = e.do(http.MethodDelete, "/admin/providers/1", testAdminKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}

	w = e.do(http.MethodGet, "/admin/providers/1", testAdminKey, "")
	code, msg, _ = decodeEnvelope(t, w.Body.Bytes())
	if code != 404 || msg != "not found" {
		t.Errorf("after delete: %d %q", code, msg)
	}
}

func TestAdminCreateProviderValidation(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodPost, "/admin/providers", testAdminKey,
		`{"name":"bad","type":"cohere"}`)
	code, _, _ := decodeEnvelope(t, w.Body.Bytes())
	if code != 400 {
		t.Errorf("unknown type: code = %d, want 400", code)
	}

	w = e.do(http.MethodPost, "/admin/providers", testAdminKey, `{"type":"openai"}`)
	code, _, _ = decodeEnvelope(t, w.Body.Bytes())
	if code != 400 {
		t.Errorf("missing name: code = %d, want 400", code)
	}
}

func TestAdminModelCreateDefaultsStrategy(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodPost, "/admin/models", testAdminKey,
		`{"name":"fast","max_retry":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	_, _, data := decodeEnvelope(t, w.Body.Bytes())
	var m gateway.Model
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Strategy != gateway.StrategyLottery {
		t.Errorf("strategy = %q, want lottery default", m.Strategy)
	}
}

func TestAdminCreateKeyReturnsPlaintextOnce(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodPost, "/admin/keys", testAdminKey,
		`{"name":"team-a","allow_all":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	_, _, data := decodeEnvelope(t, w.Body.Bytes())
	var resp struct {
		ID  int64  `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.Key, "hk-") {
		t.Errorf("plaintext key = %q", resp.Key)
	}

	// Get never echoes the secret back.
	w = e.do(http.MethodGet, "/admin/keys/1", testAdminKey, "")
	if strings.Contains(w.Body.String(), resp.Key) {
		t.Error("get leaked the key secret")
	}
}

func TestAdminUpdateKeyDisables(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)
	e.seedKey(t, "sk-victim", true)

	w := e.do(http.MethodPut, "/admin/keys/1", testAdminKey, `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	key, err := e.store.GetAuthKey(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if key.Enabled {
		t.Error("key should be disabled")
	}
}

func TestAdminBindingWeightFloor(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodPost, "/admin/bindings", testAdminKey,
		`{"model_id":1,"provider_id":1,"provider_model":"gpt-4o","weight":0,"status":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	_, _, data := decodeEnvelope(t, w.Body.Bytes())
	var b gateway.Binding
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatal(err)
	}
	if b.Weight != 1 {
		t.Errorf("weight = %d, want floor of 1", b.Weight)
	}
}

func TestLogsCleanupByCount(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	logs := make([]*gateway.ChatLog, 15)
	for i := range logs {
		logs[i] = &gateway.ChatLog{ModelName: "fast", Status: gateway.LogSuccess, CreatedAt: time.Now()}
	}
	if err := e.store.InsertChatLogs(context.Background(), logs); err != nil {
		t.Fatal(err)
	}

	w := e.do(http.MethodPost, "/logs/cleanup", testAdminKey, `{"type":"count","value":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup = %d: %s", w.Code, w.Body.String())
	}
	_, _, data := decodeEnvelope(t, w.Body.Bytes())
	var resp struct {
		DeletedCount int64 `json:"deleted_count"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DeletedCount != 5 {
		t.Errorf("deleted_count = %d, want 5", resp.DeletedCount)
	}
}

func TestLogsCleanupBadType(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodPost, "/logs/cleanup", testAdminKey, `{"type":"hours","value":1}`)
	code, _, _ := decodeEnvelope(t, w.Body.Bytes())
	if code != 400 {
		t.Errorf("code = %d, want 400", code)
	}
}

func TestAdminMutationInvalidatesResolver(t *testing.T) {
	t.Parallel()
	out := &fakeOutbound{
		complete: func(_ context.Context, _ *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
			return okResponse(ep.Model), nil
		},
	}
	e := newServer(t, out)
	e.seedModel(t, "fast") // model id 1, provider id 2, binding id 3
	e.seedKey(t, "sk-all", true)

	body := `{"model":"fast","messages":[{"role":"user","content":"hi"}]}`
	if w := e.do(http.MethodPost, "/v1/chat/completions", "sk-all", body); w.Code != http.StatusOK {
		t.Fatalf("warm request = %d: %s", w.Code, w.Body.String())
	}

	// Deleting the only binding must be visible immediately, not after the
	// resolver cache TTL.
	if w := e.do(http.MethodDelete, "/admin/bindings/3", testAdminKey, ""); w.Code != http.StatusOK {
		t.Fatalf("delete binding = %d: %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodPost, "/v1/chat/completions", "sk-all", body); w.Code != http.StatusServiceUnavailable {
		t.Errorf("after delete = %d, want 503: %s", w.Code, w.Body.String())
	}
}
