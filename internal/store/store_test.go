package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/avelsher/portalpilot/internal/agent/core"
)

// startPostgres brings up a disposable Postgres and applies the initial
// migration. Skipped with -short or when no container runtime exists.
func startPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "portalpilot",
			"POSTGRES_PASSWORD": "portalpilot",
			"POSTGRES_DB":       "portalpilot_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://portalpilot:portalpilot@%s:%s/portalpilot_test?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	deadline := time.Now().Add(30 * time.Second)
	for {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("db never became reachable: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("reading migration: %v", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		t.Fatalf("applying migration: %v", err)
	}

	return NewWithDB(db)
}

func TestStoreRoundTrip(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "ops@example.com", "not-a-real-hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	gotID, hash, err := s.GetUserByEmail(ctx, "ops@example.com")
	if err != nil || gotID != userID || hash != "not-a-real-hash" {
		t.Fatalf("GetUserByEmail: id=%s hash=%s err=%v", gotID, hash, err)
	}

	res := core.WorkflowResult{
		RunID:          "7b3c2d34-9a1f-4a5e-8a64-2f1f5d1c0aa1",
		Goal:           "submit the weekly report",
		Success:        true,
		CompletedTasks: 3,
		TotalTasks:     3,
		Output: core.CompiledOutput{
			State:   map[string]interface{}{"is_logged_in": true},
			Results: []core.TaskOutcome{{Description: "log in"}},
			Memory:  map[string]interface{}{},
		},
		Duration:  42 * time.Second,
		History:   []core.HistoryEntry{{ID: "h1", Agent: core.RoleExecutor, Action: "execute", Timestamp: time.Now().UTC()}},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveRun(ctx, userID, res); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	// overwrite is allowed
	res.Success = false
	res.Error = "second save"
	if err := s.SaveRun(ctx, userID, res); err != nil {
		t.Fatalf("SaveRun overwrite: %v", err)
	}

	loaded, err := s.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if loaded.Goal != res.Goal || loaded.Success || loaded.Error != "second save" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if loaded.Output.State["is_logged_in"] != true {
		t.Fatalf("output lost in round trip: %+v", loaded.Output)
	}
	if loaded.Duration != 42*time.Second {
		t.Fatalf("duration lost: %v", loaded.Duration)
	}

	history, err := s.GetRunHistory(ctx, res.RunID)
	if err != nil || len(history) != 1 || history[0].Agent != core.RoleExecutor {
		t.Fatalf("GetRunHistory: %v %v", history, err)
	}

	runs, err := s.ListRuns(ctx, userID, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v %v", runs, err)
	}
}

func TestStoreSchedules(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "sched@example.com", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	id, err := s.CreateSchedule(ctx, userID, "submit the weekly report", "0 9 * * MON")
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	list, err := s.ListSchedules(ctx, userID)
	if err != nil || len(list) != 1 || list[0].CronSpec != "0 9 * * MON" {
		t.Fatalf("ListSchedules: %v %v", list, err)
	}
	if list[0].LastRun != nil {
		t.Fatalf("fresh schedule should have no last_run")
	}

	enabled, err := s.EnabledSchedules(ctx)
	if err != nil || len(enabled) != 1 {
		t.Fatalf("EnabledSchedules: %v %v", enabled, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.MarkScheduleRun(ctx, id, now); err != nil {
		t.Fatalf("MarkScheduleRun: %v", err)
	}
	list, _ = s.ListSchedules(ctx, userID)
	if list[0].LastRun == nil || !list[0].LastRun.Equal(now) {
		t.Fatalf("last_run not recorded: %v", list[0].LastRun)
	}

	if err := s.DeleteSchedule(ctx, userID, id); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if err := s.DeleteSchedule(ctx, userID, id); err == nil {
		t.Fatalf("deleting twice should report no rows")
	}
}
