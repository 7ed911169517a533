package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", log.Formatter)
	}
}

func TestNewFallsBackOnInvalidLevel(t *testing.T) {
	log := New(LoggingConfig{Level: "loud"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level fallback, got %s", log.GetLevel())
	}
}

func TestComponentFieldAttached(t *testing.T) {
	log := NewDefault("raffle")
	log.SetFormatter(&logrus.JSONFormatter{})
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithField("player", "0xabc").Info("entered")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["component"] != "raffle" {
		t.Fatalf("expected component raffle, got %v", entry["component"])
	}
	if entry["player"] != "0xabc" {
		t.Fatalf("expected player field, got %v", entry["player"])
	}

	buf.Reset()
	log.Named("keeper").Warnf("skipped %d", 2)
	if !strings.Contains(buf.String(), `"component":"keeper"`) {
		t.Fatalf("expected renamed component, got %s", buf.String())
	}
}
