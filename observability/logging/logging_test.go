package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("block produced", slog.Uint64("height", 7), MaskField("passphrase", "hunter2"), slog.String("txHash", "0xabc"), slog.String("auth_token", "abc123"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "block produced" || line["severity"] != "INFO" {
		t.Fatalf("unexpected core keys: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
	if line["passphrase"] != RedactedValue {
		t.Fatalf("secret not redacted: %v", line["passphrase"])
	}
	if line["txHash"] != "0xabc" {
		t.Fatalf("ordinary key redacted: %v", line["txHash"])
	}
	if line["auth_token"] != RedactedValue {
		t.Fatalf("sensitive key logged in clear: %v", line["auth_token"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError, "bogus": slog.LevelInfo}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v want %v", input, got, want)
		}
	}
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"token", "Authorization", "jwtSecret", "keystore_passphrase"} {
		if !IsSensitive(key) {
			t.Fatalf("%q should be sensitive", key)
		}
	}
	for _, key := range []string{"height", "jobId", "address"} {
		if IsSensitive(key) {
			t.Fatalf("%q should not be sensitive", key)
		}
	}
}
