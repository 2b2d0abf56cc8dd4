package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	path := filepath.Join(base, "config.toml")
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q

[device]
id = "cli-test-device"

[backend]
url = "http://127.0.0.1:1/sync"

[api]
bind = "127.0.0.1:7718"
`, filepath.Join(base, "data"), filepath.Join(base, "logs"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestQueueListRendersItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/queue" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"id":          "0192aa34-0000-7000-8000-000000000001",
					"type":        "unit_entry",
					"status":      "pending",
					"priority":    2,
					"retry_count": 0,
					"created_at":  "2026-08-01T09:30:00Z",
				},
			},
		})
	}))
	defer server.Close()

	cfg := writeTestConfig(t)
	out, err := runCommand(t,
		"--config", cfg,
		"--api", strings.TrimPrefix(server.URL, "http://"),
		"queue", "list",
	)
	if err != nil {
		t.Fatalf("queue list: %v\n%s", err, out)
	}
	if !strings.Contains(out, "unit_entry") || !strings.Contains(out, "pending") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "0192aa34") {
		t.Fatalf("item id missing from output:\n%s", out)
	}
}

func TestQueueListEmptyQueue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer server.Close()

	cfg := writeTestConfig(t)
	out, err := runCommand(t,
		"--config", cfg,
		"--api", strings.TrimPrefix(server.URL, "http://"),
		"queue", "list",
	)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "Queue is empty") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestEnqueueRejectsInvalidJSON(t *testing.T) {
	cfg := writeTestConfig(t)
	_, err := runCommand(t, "--config", cfg, "enqueue", "{not json")
	if err == nil || !strings.Contains(err.Error(), "valid JSON") {
		t.Fatalf("expected JSON validation error, got %v", err)
	}
}

func TestStatusRendersDaemonState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"running": true, "locked": false, "total": 3, "lock_file": "/tmp/fieldsyncd.lock",
		})
	}))
	defer server.Close()

	cfg := writeTestConfig(t)
	out, err := runCommand(t,
		"--config", cfg,
		"--api", strings.TrimPrefix(server.URL, "http://"),
		"status",
	)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Daemon") || !strings.Contains(out, "unlocked") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestAPIErrorSurfacesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session expired: unlock: authentication still invalid"})
	}))
	defer server.Close()

	cfg := writeTestConfig(t)
	_, err := runCommand(t,
		"--config", cfg,
		"--api", strings.TrimPrefix(server.URL, "http://"),
		"unlock",
	)
	if err == nil || !strings.Contains(err.Error(), "authentication still invalid") {
		t.Fatalf("expected daemon error message, got %v", err)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable(
		[]string{"A", "B", "C"},
		[][]string{{"1"}, {"2", "3", "4"}},
		[]columnAlignment{alignLeft, alignRight, alignLeft},
	)
	if !strings.Contains(out, "A") || !strings.Contains(out, "4") {
		t.Fatalf("unexpected table output:\n%s", out)
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	out, err := runCommand(t, "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("config init: %v\n%s", err, out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("sample config not written: %v", err)
	}

	// Refuses to overwrite.
	if _, err := runCommand(t, "--config", path, "config", "init"); err == nil {
		t.Fatal("expected error when config already exists")
	}
}
