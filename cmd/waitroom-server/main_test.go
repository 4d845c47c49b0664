package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/waitroom/internal/config"
	"github.com/clinic/waitroom/internal/domain/queue"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "test",
		AuthMode:              config.AuthModeDevelopment,
		StoreBackend:          config.StoreMemory,
		CORSOrigins:           []string{"*"},
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		RequestTimeout:        5 * time.Second,
		ConcurrentCapacity:    1,
		DefaultServiceMinutes: 30,
		GracePeriod:           30 * time.Minute,
		EWMAAlpha:             0.2,
		CASMaxRetries:         5,
		CASBaseBackoff:        time.Millisecond,
		NotifyBuffer:          16,
		NotifyJournalSize:     100,
		NotifyMaxElapsed:      time.Second,
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func do(t *testing.T, a *app, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Staff-Id", "desk-1")
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.ConcurrentCapacity = 3
	cfg.GracePeriod = 10 * time.Minute

	p := policyFromConfig(cfg)
	if p.Capacity != 3 || p.DefaultServiceMinutes != 30 || p.GracePeriod != 10*time.Minute {
		t.Errorf("unexpected policy %+v", p)
	}
}

func TestApp_Health(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id on every response")
	}

	rec = do(t, a, http.MethodGet, "/health/db", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health/db on the memory store, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApp_Metrics(t *testing.T) {
	a := newTestApp(t)
	rec := do(t, a, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestApp_CheckInAndBoard(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodPost, "/api/v1/queue/entries", `{"subject_ref":"appt-1","tier":"walk_in"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, a, http.MethodPost, "/api/v1/queue/entries", `{"subject_ref":"appt-2","tier":"emergency"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, a, http.MethodGet, "/api/v1/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var board queue.Board
	if err := json.Unmarshal(rec.Body.Bytes(), &board); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	if len(board.Waiting) != 2 {
		t.Fatalf("expected 2 waiting, got %d", len(board.Waiting))
	}
	if board.Waiting[0].SubjectRef != "appt-2" {
		t.Errorf("emergency should lead the board, got %s", board.Waiting[0].SubjectRef)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	a := newTestApp(t)

	cfg := memoryConfig()
	cfg.ConcurrentCapacity = 4
	cfg.DefaultServiceMinutes = 12
	a.applyConfig(cfg)

	if got := a.svc.Policy(); got.Capacity != 4 || got.DefaultServiceMinutes != 12 {
		t.Errorf("policy not applied: %+v", got)
	}
	avg, err := a.durations.AverageMinutes(context.Background(), "general")
	if err != nil {
		t.Fatalf("AverageMinutes: %v", err)
	}
	if avg != 12 {
		t.Errorf("expected cold-start default 12, got %v", avg)
	}
}

func TestApp_SweepOnceEmptyQueue(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := a.sweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweepOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no no-shows, got %d", n)
	}
}

func TestRootCmd_Commands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "migrate", "sweep"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	if cmd, _, err := root.Find([]string{"migrate", "status"}); err != nil || cmd.Name() != "status" {
		t.Error("migrate status not registered")
	}
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"migrate", "status", "--config", t.TempDir() + "/missing.env"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestMigrationsFS(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS(""), ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name() == "001_queue.sql" {
			found = true
		}
	}
	if !found {
		t.Error("embedded schema is missing 001_queue.sql")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "002_extra.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat(migrationsFS(dir), "002_extra.sql"); err != nil {
		t.Errorf("--dir should read from disk: %v", err)
	}
}
