package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestInit_DefaultLevels(t *testing.T) {
	var stderr bytes.Buffer

	Init(Options{Stderr: &stderr})

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	output := stderr.String()

	// Debug and Info should NOT appear by default
	if strings.Contains(output, "debug message") {
		t.Error("debug should not appear in non-verbose mode")
	}
	if strings.Contains(output, "info message") {
		t.Error("info should not appear in non-verbose mode")
	}

	// Warn and Error SHOULD appear
	if !strings.Contains(output, "warn message") {
		t.Error("warn should appear")
	}
	if !strings.Contains(output, "error message") {
		t.Error("error should appear")
	}
}

func TestInit_Verbose(t *testing.T) {
	var stderr bytes.Buffer

	Init(Options{Verbose: true, Stderr: &stderr})

	Debug("debug message")
	Info("info message")

	output := stderr.String()

	if !strings.Contains(output, "debug message") {
		t.Error("debug should appear in verbose mode")
	}
	if !strings.Contains(output, "info message") {
		t.Error("info should appear in verbose mode")
	}
}

func TestInit_JSONFormat(t *testing.T) {
	var stderr bytes.Buffer

	Init(Options{JSONFormat: true, Stderr: &stderr})

	Warn("structured message", "key", "value")

	output := stderr.String()
	if !strings.Contains(output, `"msg":"structured message"`) {
		t.Errorf("expected JSON output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected attribute in JSON output, got: %s", output)
	}
}

func TestWith(t *testing.T) {
	var stderr bytes.Buffer

	Init(Options{Stderr: &stderr})

	With("container_id", "abc123").Warn("scoped message")

	output := stderr.String()
	if !strings.Contains(output, "container_id=abc123") {
		t.Errorf("expected scoped attribute, got: %s", output)
	}
}
