package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/eplnewshub/newshub-edge/internal/engine"
	"github.com/eplnewshub/newshub-edge/internal/metrics"
	"github.com/eplnewshub/newshub-edge/internal/userstore"
)

func newRoutesApp(t *testing.T, registrars ...func(fiber.Router)) *fiber.App {
	t.Helper()
	app := fiber.New()
	for _, register := range registrars {
		register(app)
	}
	return app
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

type fakeAdmin struct {
	cleared bool
	failing bool
}

func (f *fakeAdmin) Status() engine.Status {
	return engine.Status{Phase: engine.PhaseActivated, Controlling: true, StaticCache: "epl-news-v1", RuntimeCache: "epl-runtime-v1"}
}

func (f *fakeAdmin) Namespaces(context.Context) ([]engine.NamespaceInfo, error) {
	return []engine.NamespaceInfo{{Name: "epl-news-v1", Role: "static", Entries: 6}}, nil
}

func (f *fakeAdmin) Clear(context.Context) ([]string, error) {
	if f.failing {
		return nil, errors.New("disk gone")
	}
	f.cleared = true
	return []string{"epl-news-v1"}, nil
}

func TestDiagnosticsStatusAndCaches(t *testing.T) {
	admin := &fakeAdmin{}
	app := newRoutesApp(t, RegisterDiagnostics(DiagnosticsOptions{Engine: admin, Metrics: metrics.New().Handler(), AllowClear: true}))

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/-/status", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	var status map[string]any
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["phase"] != "activated" || status["staticCache"] != "epl-news-v1" || status["version"] == "" {
		t.Fatalf("unexpected status payload: %v", status)
	}

	_, body = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/-/caches", nil))
	if !strings.Contains(string(body), `"entries":6`) {
		t.Fatalf("caches payload missing counts: %s", body)
	}

	resp, body = doRequest(t, app, httptest.NewRequest(http.MethodPost, "/-/caches/clear", nil))
	if resp.StatusCode != fiber.StatusOK || !admin.cleared || !strings.Contains(string(body), "epl-news-v1") {
		t.Fatalf("clear failed: %d %s", resp.StatusCode, body)
	}

	resp, body = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics endpoint not served: %d", resp.StatusCode)
	}
}

func TestDiagnosticsClearFailure(t *testing.T) {
	app := newRoutesApp(t, RegisterDiagnostics(DiagnosticsOptions{Engine: &fakeAdmin{failing: true}, AllowClear: true}))
	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodPost, "/-/caches/clear", nil))
	if resp.StatusCode != fiber.StatusInternalServerError || !strings.Contains(string(body), "cache_clear_failed") {
		t.Fatalf("expected 500 cache_clear_failed, got %d %s", resp.StatusCode, body)
	}
}

func TestDiagnosticsClearDisabledByDefault(t *testing.T) {
	admin := &fakeAdmin{}
	app := newRoutesApp(t, RegisterDiagnostics(DiagnosticsOptions{Engine: admin}))
	resp, _ := doRequest(t, app, httptest.NewRequest(http.MethodPost, "/-/caches/clear", nil))
	if resp.StatusCode == fiber.StatusOK || admin.cleared {
		t.Fatalf("clear must not be reachable unless enabled: %d cleared=%v", resp.StatusCode, admin.cleared)
	}
}

func TestFPLProxyForwardsEndpoint(t *testing.T) {
	var gotPath, gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotUA = r.URL.Path, r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"events":[]}`)
	}))
	defer upstream.Close()

	app := newRoutesApp(t, RegisterFPLProxy(FPLOptions{Client: upstream.Client(), BaseURL: upstream.URL + "/api"}))

	req := httptest.NewRequest(http.MethodGet, "/api/fpl-proxy?endpoint=fixtures", nil)
	req.Header.Set("Origin", "https://www.eplnewshub.com")
	resp, body := doRequest(t, app, req)
	if resp.StatusCode != fiber.StatusOK || string(body) != `{"events":[]}` {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, body)
	}
	if gotPath != "/api/fixtures/" || gotUA != fplUserAgent {
		t.Fatalf("unexpected upstream call: %s ua=%q", gotPath, gotUA)
	}
	if resp.Header.Get("Cache-Control") != "public, max-age=300" {
		t.Fatalf("missing cache-control: %v", resp.Header)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header: %v", resp.Header)
	}

	_, _ = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/fpl-proxy", nil))
	if gotPath != "/api/bootstrap-static/" {
		t.Fatalf("default endpoint should be bootstrap-static, got %s", gotPath)
	}
}

func TestFPLProxyUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	app := newRoutesApp(t, RegisterFPLProxy(FPLOptions{Client: upstream.Client(), BaseURL: upstream.URL}))
	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/fpl-proxy", nil))
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var payload map[string]string
	_ = json.Unmarshal(body, &payload)
	if payload["error"] != "Failed to fetch FPL data" || payload["message"] != "FPL API responded with 503" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestFPLProxyRejectsTraversalAndAnswersPreflight(t *testing.T) {
	app := newRoutesApp(t, RegisterFPLProxy(FPLOptions{Client: http.DefaultClient, BaseURL: "http://127.0.0.1:1"}))

	resp, _ := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/fpl-proxy?endpoint=../../etc", nil))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for traversal, got %d", resp.StatusCode)
	}

	preflightReq := httptest.NewRequest(http.MethodOptions, "/api/fpl-proxy", nil)
	preflightReq.Header.Set("Origin", "https://www.eplnewshub.com")
	preflightReq.Header.Set("Access-Control-Request-Method", "GET")
	resp, _ = doRequest(t, app, preflightReq)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "GET") {
		t.Fatalf("preflight should list GET: %v", resp.Header)
	}
}

func TestInferenceProxyForwardsWithToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"generated_text":"Salah captain"}]`)
	}))
	defer upstream.Close()

	app := newRoutesApp(t, RegisterInferenceProxy(InferenceOptions{
		Client:  upstream.Client(),
		BaseURL: upstream.URL,
		Token:   "hf_test",
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/inference",
		strings.NewReader(`{"model":"org/fpl-model","inputs":"who to captain?","parameters":{"max_new_tokens":20}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, body := doRequest(t, app, req)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), "Salah") {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, body)
	}
	if gotPath != "/models/org/fpl-model" || gotAuth != "Bearer hf_test" {
		t.Fatalf("unexpected upstream call: %s auth=%q", gotPath, gotAuth)
	}
	if gotBody["inputs"] != "who to captain?" || gotBody["parameters"] == nil {
		t.Fatalf("payload not forwarded: %v", gotBody)
	}
	if _, leaked := gotBody["model"]; leaked {
		t.Fatalf("model should be part of the path, not the body")
	}
}

func TestInferenceProxyValidatesInput(t *testing.T) {
	app := newRoutesApp(t, RegisterInferenceProxy(InferenceOptions{Client: http.DefaultClient, BaseURL: "http://127.0.0.1:1"}))
	for _, body := range []string{`{"inputs":"x"}`, `{"model":"gpt2"}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/api/inference", strings.NewReader(body))
		resp, _ := doRequest(t, app, req)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestFamilyAccessLookupAndGrant(t *testing.T) {
	store := userstore.New(filepath.Join(t.TempDir(), "users.json"))
	app := newRoutesApp(t, RegisterFamilyAccess(FamilyOptions{Store: store}))

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/family-access/fan%40example.com", nil))
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"hasAccess":false`) {
		t.Fatalf("unexpected lookup: %d %s", resp.StatusCode, body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/family-access", strings.NewReader(`{"email":"Fan@Example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, body = doRequest(t, app, req)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"hasAccess":true`) {
		t.Fatalf("unexpected grant: %d %s", resp.StatusCode, body)
	}

	_, body = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/family-access/fan@example.com", nil))
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["success"] != true || payload["hasAccess"] != true || payload["grantedAt"] == nil {
		t.Fatalf("grant not visible: %v", payload)
	}
}

func TestFamilyAccessReturnsStoredGrantTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	seed := `[{"email":"fan@example.com","familyAccess":true,"familyAccessGrantedAt":"2024-09-01T08:30:00.000Z"}]`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	app := newRoutesApp(t, RegisterFamilyAccess(FamilyOptions{Store: userstore.New(path)}))

	_, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/family-access/fan@example.com", nil))
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["grantedAt"] != "2024-09-01T08:30:00.000Z" {
		t.Fatalf("grantedAt should be returned as stored: %v", payload["grantedAt"])
	}
}

func TestFamilyAccessInvalidEmail(t *testing.T) {
	store := userstore.New(filepath.Join(t.TempDir(), "users.json"))
	app := newRoutesApp(t, RegisterFamilyAccess(FamilyOptions{Store: store}))

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/family-access/not-an-email", nil))
	if resp.StatusCode != fiber.StatusBadRequest || !strings.Contains(string(body), "valid email") {
		t.Fatalf("expected 400, got %d %s", resp.StatusCode, body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/family-access", strings.NewReader(`{"email":""}`))
	resp, _ = doRequest(t, app, req)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for empty email, got %d", resp.StatusCode)
	}
}
