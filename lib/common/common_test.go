package common

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

func validConfig() EngineConfig {
	return EngineConfig{
		Backend:     BackendSQLite,
		DBPath:      "/tmp/ep.db",
		MinDataAge:  3 * time.Second,
		QueueAgeCap: 900 * time.Second,
		TxnSize:     250,
		MaxWorkers:  4,
		ReaderRatio: 0.5,
		Endpoint:    ":11211",
		LogLevel:    "info",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *EngineConfig)
		wantErr bool
	}{
		{"valid", func(c *EngineConfig) {}, false},
		{"memory needs no path", func(c *EngineConfig) { c.Backend, c.DBPath = BackendMemory, "" }, false},
		{"sqlite without path", func(c *EngineConfig) { c.DBPath = "" }, true},
		{"unknown backend", func(c *EngineConfig) { c.Backend = "couch" }, true},
		{"zero txn size", func(c *EngineConfig) { c.TxnSize = 0 }, true},
		{"negative age", func(c *EngineConfig) { c.MinDataAge = -time.Second }, true},
		{"no workers", func(c *EngineConfig) { c.MaxWorkers = 0 }, true},
		{"bad ratio", func(c *EngineConfig) { c.ReaderRatio = 1.5 }, true},
		{"bad log level", func(c *EngineConfig) { c.LogLevel = "verbose" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			err := c.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	c := validConfig()
	out := c.String()
	for _, want := range []string{"BACKING STORE", "sqlite", "FLUSHER", "3s", "15m0s", "250"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q:\n%s", want, out)
		}
	}

	c.NoPersistence = true
	if !strings.Contains(c.String(), "disabled") {
		t.Errorf("String() should report disabled persistence")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		"warn":    logger.WARNING,
		"warning": logger.WARNING,
		"error":   logger.ERROR,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Errorf("ParseLogLevel should reject unknown levels")
	}
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	l := CreateLogger("store")
	l.SetLevel(logger.WARNING)
	l.Infof("hidden %d", 1)
	l.Warningf("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warning level: %q", out)
	}
	if !strings.Contains(out, "WARN  | store        | shown 2") {
		t.Errorf("unexpected format: %q", out)
	}
}
