package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCloudLoggingHandlerTo(&buf))

	logger.Error("something failed", slog.String("userID", "u1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["severity"] != "ERROR" {
		t.Errorf("expected severity ERROR, got %v", entry["severity"])
	}
	if entry["message"] != "something failed" {
		t.Errorf("expected message, got %v", entry["message"])
	}
	if entry["userID"] != "u1" {
		t.Errorf("expected userID attr, got %v", entry["userID"])
	}
}

func TestSeverityMapping(t *testing.T) {
	tests := []struct {
		level    slog.Level
		expected string
	}{
		{slog.LevelDebug, "DEBUG"},
		{slog.LevelInfo, "INFO"},
		{slog.LevelWarn, "WARNING"},
		{slog.LevelError, "ERROR"},
	}
	for _, tt := range tests {
		if got := severity(tt.level); got != tt.expected {
			t.Errorf("severity(%v) = %q; want %q", tt.level, got, tt.expected)
		}
	}
}

func TestLoggerRoundTripsThroughContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCloudLoggingHandlerTo(&buf)).With(slog.String("component", "test"))

	ctx := WithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "test" {
		t.Errorf("expected component attr, got %v", entry["component"])
	}
}
