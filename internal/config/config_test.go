package config

import (
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.StaticDir != "" {
		t.Fatalf("staticDir=%q, want empty", cfg.StaticDir)
	}
	if cfg.WSIdleTimeout != DefaultWSIdleTimeout {
		t.Fatalf("WSIdleTimeout=%v, want %v", cfg.WSIdleTimeout, DefaultWSIdleTimeout)
	}
	if cfg.WSPingInterval != DefaultWSPingInterval {
		t.Fatalf("WSPingInterval=%v, want %v", cfg.WSPingInterval, DefaultWSPingInterval)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.MaxMediaSessions != 0 {
		t.Fatalf("MaxMediaSessions=%d, want 0", cfg.MaxMediaSessions)
	}
	if cfg.MediaAnswerTimeout != DefaultMediaAnswerTimeout {
		t.Fatalf("MediaAnswerTimeout=%v, want %v", cfg.MediaAnswerTimeout, DefaultMediaAnswerTimeout)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("expected no ICE servers, got %v", cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "127.0.0.1:9000",
	}), []string{"--listen-addr", "127.0.0.1:9100"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9100" {
		t.Fatalf("listenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestEnvDurationsAndLimits(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarShutdownTimeout:      "5s",
		envVarWSIdleTimeout:        "90s",
		envVarWSPingInterval:       "30s",
		envVarMaxMessageBytes:      "1024",
		envVarMaxMessagesPerSecond: "10",
		envVarMaxMediaSessions:     "3",
		envVarMediaAnswerTimeout:   "4s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("ShutdownTimeout=%v, want 5s", cfg.ShutdownTimeout)
	}
	if cfg.WSIdleTimeout != 90*time.Second || cfg.WSPingInterval != 30*time.Second {
		t.Fatalf("ws timeouts=%v/%v, want 90s/30s", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}
	if cfg.MaxMessageBytes != 1024 || cfg.MaxMessagesPerSecond != 10 {
		t.Fatalf("message limits=%d/%d, want 1024/10", cfg.MaxMessageBytes, cfg.MaxMessagesPerSecond)
	}
	if cfg.MaxMediaSessions != 3 {
		t.Fatalf("MaxMediaSessions=%d, want 3", cfg.MaxMediaSessions)
	}
	if cfg.MediaAnswerTimeout != 4*time.Second {
		t.Fatalf("MediaAnswerTimeout=%v, want 4s", cfg.MediaAnswerTimeout)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarWSIdleTimeout:  "10s",
		envVarWSPingInterval: "10s",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), "ws-ping-interval") {
		t.Fatalf("expected ping interval error, got %v", err)
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarShutdownTimeout: "soon",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarShutdownTimeout) {
		t.Fatalf("expected invalid duration error, got %v", err)
	}
}

func TestStunURLs(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarStunURLs: "stun:stun.l.google.com:19302, stun:stun1.example.org",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("expected 1 ICE server, got %d", len(cfg.ICEServers))
	}
	urls := cfg.ICEServers[0].URLs
	if len(urls) != 2 || urls[0] != "stun:stun.l.google.com:19302" || urls[1] != "stun:stun1.example.org" {
		t.Fatalf("unexpected STUN urls: %v", urls)
	}
}

func TestTurnURLsRequireCredentials(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarTurnURLs: "turn:turn.example.org:3478",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), "both must be set") {
		t.Fatalf("expected TURN credential error, got %v", err)
	}

	cfg, err := load(lookupMap(map[string]string{
		envVarTurnURLs:       "turn:turn.example.org:3478",
		envVarTurnUsername:   "user",
		envVarTurnCredential: "pass",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "user" {
		t.Fatalf("unexpected TURN config: %+v", cfg.ICEServers)
	}
}

func TestRejectsUnknownICEScheme(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarStunURLs: "https://example.org",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported url scheme") {
		t.Fatalf("expected scheme error, got %v", err)
	}
}
