package volumetrysdk

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"volumetry/internal/config"
	"volumetry/internal/db"
	"volumetry/internal/domain"
	"volumetry/internal/engine"
	"volumetry/internal/migrate"
	"volumetry/internal/server"
)

const testSecret = "sdk-test-secret"

func startServer(t *testing.T) string {
	t.Helper()
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
	e := engine.New(conn, config.Default(), nil)
	ctx := context.Background()
	refs := []error{
		e.Store.UpsertCatalogEntry(ctx, domain.CatalogEntry{ExamName: "RM CRANIO", Category: "RESSONANCIA MAGNETICA CRANIO", Specialty: domain.SpecialtyInternalMedicine, Active: true}),
		e.Store.UpsertPriorityMapping(ctx, domain.PriorityMapping{Raw: domain.PriorityOutpatient, Canonical: domain.PriorityRoutine, Active: true}),
		e.Store.UpsertValueReference(ctx, domain.ValueReference{StudyDescription: "RM CRANIO", Value: 40, Active: true}),
	}
	for _, err := range refs {
		if err != nil {
			t.Fatal(err)
		}
	}

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: testSecret}})
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
	return "http://" + ln.Addr().String()
}

func signToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "sdk-client",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestClientRunLifecycle(t *testing.T) {
	base := startServer(t)
	c := New(base)
	c.BearerToken = signToken(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	report, err := c.TriggerRun(ctx, RunRequest{Period: "2025-06", FileClass: "standard"})
	if err != nil {
		t.Fatalf("trigger run: %v", err)
	}
	if report.ID == "" || !report.OverallSuccess {
		t.Fatalf("report = %+v", report)
	}

	got, err := c.GetRun(ctx, report.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.ID != report.ID {
		t.Fatalf("get run id = %s, want %s", got.ID, report.ID)
	}

	list, err := c.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d runs, want 1", len(list))
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	base := startServer(t)
	c := New(base)
	// No credentials at all.
	_, err := c.TriggerRun(context.Background(), RunRequest{Period: "2025-06"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", apiErr.StatusCode)
	}
}
