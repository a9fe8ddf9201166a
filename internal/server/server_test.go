package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"volumetry/internal/config"
	"volumetry/internal/db"
	"volumetry/internal/domain"
	"volumetry/internal/engine"
	"volumetry/internal/migrate"
	"volumetry/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, nil)
	e.Store.RetryBackoff = 0
	seedReference(t, e.Store)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func seedReference(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertCatalogEntry(ctx, domain.CatalogEntry{ExamName: "MAMOGRAFIA BILATERAL", Category: "MAMOGRAFIA", Specialty: domain.SpecialtyMammo, Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPriorityMapping(ctx, domain.PriorityMapping{Raw: domain.PriorityOutpatient, Canonical: domain.PriorityRoutine, Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertValueReference(ctx, domain.ValueReference{StudyDescription: "MAMOGRAFIA BILATERAL", Value: 25, Active: true}); err != nil {
		t.Fatal(err)
	}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, ts *testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodGet, "/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d: %s", resp.StatusCode, body)
	}
}

func TestRunsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodPost, "/v0/runs",
		map[string]any{"billing_period": "2025-06"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Body struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("error envelope: %v (%s)", err, body)
	}
	if envelope.Body.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Body.Code)
	}
}

func TestRunsRejectBadToken(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodPost, "/v0/runs",
		map[string]any{"billing_period": "2025-06"},
		map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTriggerRunWithJWT(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Authorization": "Bearer " + signToken(t, "svc-billing")}
	resp, body := doJSON(t, ts, http.MethodPost, "/v0/runs", map[string]any{
		"billing_period": "2025-06",
		"file_class":     "standard",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var report RunReportResponse
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if report.ID == "" || !report.OverallSuccess {
		t.Fatalf("report = %+v", report)
	}

	// The run is retrievable through the API.
	resp, body = doJSON(t, ts, http.MethodGet, "/v0/runs/"+report.ID, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run = %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/v0/runs", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list runs = %d: %s", resp.StatusCode, body)
	}
	var list []RunReportResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v (%s)", err, body)
	}
	if len(list) != 1 || list[0].ID != report.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestTriggerRunRejectsBadPeriod(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Authorization": "Bearer " + signToken(t, "svc-billing")}
	resp, body := doJSON(t, ts, http.MethodPost, "/v0/runs",
		map[string]any{"billing_period": "June 2025"}, headers)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", resp.StatusCode, body)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Authorization": "Bearer " + signToken(t, "svc-billing")}
	resp, _ := doJSON(t, ts, http.MethodGet, "/v0/runs/"+uuid.NewString(), nil, headers)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	raw := uuid.NewString()
	err := ts.Engine.Store.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   "svc-ingest",
		Name:      "test",
		KeyHash:   store.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	resp, body := doJSON(t, ts, http.MethodPost, "/v0/runs",
		map[string]any{"billing_period": "2025-06", "file_class": "standard"},
		map[string]string{"X-Api-Key": raw})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts, http.MethodPost, "/v0/runs",
		map[string]any{"billing_period": "2025-06"},
		map[string]string{"X-Api-Key": "wrong-key"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key status = %d, want 401", resp.StatusCode)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, nil)
	seedReference(t, e.Store)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
	}})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	ts := &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{Timeout: 10 * time.Second}}

	resp, body := doJSON(t, ts, http.MethodPost, "/v0/runs",
		map[string]any{"billing_period": "2025-06", "file_class": "standard"},
		map[string]string{"X-Actor-Id": "legacy-batch"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
}
