package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	return string(content)
}

func TestNew_DualOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	var console bytes.Buffer

	logger := New(Options{
		Env:          "prod",
		ConsoleLevel: "info",
		FileLevel:    "debug",
		File:         logFile,
		App:          "db-scheduler",
		Console:      &console,
	})
	defer func() {
		if err := Close(logger); err != nil {
			t.Errorf("Error closing logger: %v", err)
		}
	}()

	logger.Debug("poll finished")
	logger.Info("scheduler started")
	logger.Warn("dead execution recovered")

	fileContent := readLog(t, logFile)
	for _, msg := range []string{"poll finished", "scheduler started", "dead execution recovered"} {
		if !strings.Contains(fileContent, msg) {
			t.Errorf("File should contain %q", msg)
		}
	}
	if !strings.Contains(fileContent, `"level":"DEBUG"`) {
		t.Error("File should contain JSON formatted debug level")
	}
	if !strings.Contains(fileContent, `"app":"db-scheduler"`) {
		t.Error("File should contain app field")
	}

	if strings.Contains(console.String(), "poll finished") {
		t.Error("Console should not contain debug message at info level")
	}
	if !strings.Contains(console.String(), "scheduler started") {
		t.Error("Console should contain info message")
	}
}

func TestNew_DefaultLevels(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "default.log")
	var console bytes.Buffer

	logger := New(Options{Env: "prod", File: logFile, App: "db-scheduler", Console: &console})
	defer func() { _ = Close(logger) }()

	logger.Debug("debug message")
	logger.Info("info message")

	fileContent := readLog(t, logFile)
	if !strings.Contains(fileContent, "debug message") {
		t.Error("Default file level should include debug messages")
	}
	if strings.Contains(console.String(), "debug message") {
		t.Error("Default console level should be info")
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger := New(Options{Env: "dev", ConsoleLevel: "debug", App: "db-scheduler", Console: &console})

	if err := Close(logger); err != nil {
		t.Errorf("Close without file should be a no-op: %v", err)
	}

	logger.Debug("console only message")
	if !strings.Contains(console.String(), "console only message") {
		t.Error("Console should contain debug message")
	}
}

func TestRedactingHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewRedactingHandler(slog.NewJSONHandler(&buf, nil), DefaultSensitiveKeys)
	logger := slog.New(h)

	logger.Info("connecting",
		slog.String("database_url", "postgres://sched:hunter2@db:5432/jobs"),
		slog.String("addr", "postgres://sched:hunter3@db:5432/jobs"),
		slog.Any("task_data", []byte(`{"msg":"private"}`)),
		slog.Group("store", slog.String("password", "hunter4"), slog.String("driver", "postgres")),
		slog.Any("error", errors.New("dial postgres://sched:hunter5@db:5432/jobs: refused")),
		slog.String("task", "reminder"),
	)

	out := buf.String()
	for _, secret := range []string{"hunter2", "hunter3", "private", "hunter4", "hunter5"} {
		if strings.Contains(out, secret) {
			t.Errorf("%q should be redacted: %s", secret, out)
		}
	}
	for _, keep := range []string{"reminder", "sched:xxxxx@db:5432", `"driver":"postgres"`, redacted} {
		if !strings.Contains(out, keep) {
			t.Errorf("output should contain %q: %s", keep, out)
		}
	}
}

func TestRedactingHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewRedactingHandler(slog.NewTextHandler(&buf, nil), []string{"dsn"}))

	logger.With("dsn", "file:/var/lib/scheduler.db").Info("store opened")
	if strings.Contains(buf.String(), "scheduler.db") {
		t.Error("attributes added with With should be redacted")
	}
}

func TestRedactString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"postgres://u@h/db", "postgres://u@h/db"},
		{"postgres://u:p@h/db", "postgres://u:xxxxx@h/db"},
		{"open postgres://u:p@h/db failed", "open postgres://u:xxxxx@h/db failed"},
	}
	for _, tt := range tests {
		if got := redactString(tt.in); got != tt.want {
			t.Errorf("redactString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMultiHandler(t *testing.T) {
	var info, warn bytes.Buffer
	h1 := slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo})
	h2 := slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn})

	multi := NewMultiHandler(h1, h2)
	ctx := context.Background()

	if !multi.Enabled(ctx, slog.LevelInfo) {
		t.Error("Should be enabled for info level")
	}
	if multi.Enabled(ctx, slog.LevelDebug) {
		t.Error("Should not be enabled for debug level")
	}

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "test", 0)
	if err := multi.Handle(ctx, record); err != nil {
		t.Errorf("Handle should not return error: %v", err)
	}
	if !strings.Contains(info.String(), "test") || warn.Len() != 0 {
		t.Error("Record should reach only the handlers enabled for its level")
	}

	slog.New(multi.WithAttrs([]slog.Attr{slog.String("key", "value")}).WithGroup("group")).Warn("grouped", "k", 1)
	if !strings.Contains(warn.String(), "key=value") || !strings.Contains(warn.String(), "group.k=1") {
		t.Errorf("WithAttrs/WithGroup should propagate: %s", warn.String())
	}
}
