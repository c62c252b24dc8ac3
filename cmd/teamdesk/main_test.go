package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig points the CLI at a throwaway SQLite database.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "teamdesk.db")
	path := filepath.Join(dir, "teamdesk.toml")
	content := "[store]\ndriver = \"sqlite\"\nurl = \"file:" + filepath.ToSlash(dbPath) + "\"\n\n[log]\nlevel = \"error\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &out, nil); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"explode"}, nil, nil); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}

func TestRunMigrateThenReconcileAll(t *testing.T) {
	cfgPath := writeConfig(t)
	ctx := context.Background()

	if err := run(ctx, []string{"migrate", "--config", cfgPath}, nil, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A second run has nothing left to apply.
	if err := run(ctx, []string{"migrate", "--config", cfgPath}, nil, nil); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var out bytes.Buffer
	if err := run(ctx, []string{"reconcile", "--all", "--config", cfgPath}, &out, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	var results []map[string]any
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("decode reconcile output %q: %v", out.String(), err)
	}
	if len(results) != 0 {
		t.Fatalf("empty database reconciled %d users", len(results))
	}
}

func TestRunReconcileNeedsExactlyOneTarget(t *testing.T) {
	cfgPath := writeConfig(t)
	for _, args := range [][]string{
		{"reconcile", "--config", cfgPath},
		{"reconcile", "--all", "--user", "u1", "--config", cfgPath},
	} {
		if err := run(context.Background(), args, nil, nil); err == nil {
			t.Fatalf("%v: expected an error", args)
		}
	}
}

func TestRunReconcileUnknownUser(t *testing.T) {
	cfgPath := writeConfig(t)
	err := run(context.Background(), []string{"reconcile", "--user", "ghost", "--config", cfgPath}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "USER_NOT_FOUND") {
		t.Fatalf("err = %v, want USER_NOT_FOUND", err)
	}
}
