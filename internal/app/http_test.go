package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"baseline/api/internal/config"
)

func newHTTPFixture(t *testing.T) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t, config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})
	return f, NewHTTPServer(f.svc, "*").Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func login(t *testing.T, handler http.Handler, name string) (token, refreshToken string) {
	t.Helper()
	recorder, body := doRequest(t, handler, http.MethodPost, "/api/session/login", "", map[string]any{"name": name})
	if recorder.Code != http.StatusOK {
		t.Fatalf("login returned %d: %v", recorder.Code, body)
	}
	return body["token"].(string), body["refreshToken"].(string)
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	_, handler := newHTTPFixture(t)

	recorder, body := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: %d %v", recorder.Code, body)
	}

	recorder, body = doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if recorder.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready: %d %v", recorder.Code, body)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	_, handler := newHTTPFixture(t)

	recorder, body := doRequest(t, handler, http.MethodGet, "/api/projects/proj-1/artifacts", "", nil)
	if recorder.Code != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("missing token: %d %v", recorder.Code, body)
	}

	recorder, _ = doRequest(t, handler, http.MethodGet, "/api/projects/proj-1/artifacts", "not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", recorder.Code)
	}
}

func TestSessionEndpointReportsAuthentication(t *testing.T) {
	_, handler := newHTTPFixture(t)

	recorder, body := doRequest(t, handler, http.MethodGet, "/api/session", "", nil)
	if recorder.Code != http.StatusOK || body["authenticated"] != false {
		t.Fatalf("anonymous session: %d %v", recorder.Code, body)
	}

	token, _ := login(t, handler, "Eli Editor")
	recorder, body = doRequest(t, handler, http.MethodGet, "/api/session", token, nil)
	if recorder.Code != http.StatusOK || body["authenticated"] != true || body["userName"] != "Eli Editor" {
		t.Fatalf("authenticated session: %d %v", recorder.Code, body)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	_, handler := newHTTPFixture(t)
	_, refreshToken := login(t, handler, "Eli Editor")

	recorder, body := doRequest(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": refreshToken})
	if recorder.Code != http.StatusOK || body["token"] == "" {
		t.Fatalf("refresh: %d %v", recorder.Code, body)
	}

	// The used refresh token is revoked; replaying it fails.
	recorder, _ = doRequest(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": refreshToken})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh token: %d", recorder.Code)
	}
}

func TestArtifactWorkflowOverHTTP(t *testing.T) {
	f, handler := newHTTPFixture(t)
	minOne := 1
	f.addStep(t, 1, "Review", false, &minOne)

	editorToken, _ := login(t, handler, "Eli Editor")
	approverToken, _ := login(t, handler, "Ana Approver")

	recorder, created := doRequest(t, handler, http.MethodPost, "/api/projects/proj-1/artifacts", editorToken, map[string]any{
		"type":    "charter",
		"title":   "Atlas Charter",
		"content": "Scope and goals",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create: %d %v", recorder.Code, created)
	}
	artifactID := created["id"].(string)

	recorder, _ = doRequest(t, handler, http.MethodPut, "/api/artifacts/"+artifactID+"/content", editorToken, map[string]any{
		"content": "Scope, goals and constraints",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("update content: %d", recorder.Code)
	}

	recorder, progress := doRequest(t, handler, http.MethodPost, "/api/projects/proj-1/artifacts/"+artifactID+"/submit", editorToken, nil)
	if recorder.Code != http.StatusOK || progress["complete"] != false {
		t.Fatalf("submit: %d %v", recorder.Code, progress)
	}

	// Locked while under review.
	recorder, body := doRequest(t, handler, http.MethodPut, "/api/artifacts/"+artifactID+"/content", editorToken, map[string]any{"content": "late"})
	if recorder.Code != http.StatusConflict || body["code"] != "STATE_CONFLICT" {
		t.Fatalf("edit while locked: %d %v", recorder.Code, body)
	}

	recorder, approved := doRequest(t, handler, http.MethodPost, "/api/projects/proj-1/artifacts/"+artifactID+"/approve", approverToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("approve: %d %v", recorder.Code, approved)
	}
	if approved["isBaseline"] != true || approved["approvalStatus"] != "approved" {
		t.Fatalf("final approve should return the baseline snapshot: %v", approved)
	}

	recorder, lineage := doRequest(t, handler, http.MethodGet, "/api/artifacts/"+artifactID+"/lineage", editorToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("lineage: %d", recorder.Code)
	}
	if versions := lineage["versions"].([]any); len(versions) != 2 {
		t.Fatalf("expected draft plus baseline in lineage, got %d rows", len(versions))
	}
}

func TestDomainErrorsMapToJSONBodies(t *testing.T) {
	_, handler := newHTTPFixture(t)
	viewerToken, _ := login(t, handler, "Vik Viewer")

	recorder, body := doRequest(t, handler, http.MethodGet, "/api/artifacts/art-missing", viewerToken, nil)
	if recorder.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("missing artifact: %d %v", recorder.Code, body)
	}

	recorder, body = doRequest(t, handler, http.MethodPost, "/api/projects/proj-1/artifacts", viewerToken, map[string]any{
		"type": "charter", "title": "Nope",
	})
	if recorder.Code != http.StatusForbidden || body["code"] != "FORBIDDEN" {
		t.Fatalf("viewer create: %d %v", recorder.Code, body)
	}

	recorder, body = doRequest(t, handler, http.MethodPost, "/api/projects/proj-1/artifacts", viewerToken, map[string]any{
		"type": "memo", "title": "Bad type",
	})
	if recorder.Code != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("invalid type: %d %v", recorder.Code, body)
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	_, handler := newHTTPFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("request id not echoed, got %q", got)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS origin header missing")
	}
}

func TestUnknownRoutesReturn404(t *testing.T) {
	_, handler := newHTTPFixture(t)
	token, _ := login(t, handler, "Eli Editor")

	recorder, body := doRequest(t, handler, http.MethodGet, "/api/nope", token, nil)
	if recorder.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("unknown route: %d %v", recorder.Code, body)
	}
}
