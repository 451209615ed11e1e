package zerolog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/grantledger/pkg/ledger"
)

func TestLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestLogger_Levels(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Debug("debug message", ledger.Field{Key: "key", Value: "value"})
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := output.String()
	for _, want := range []string{"debug message", "info message", "warn message", "error message"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("tracked", ledger.CustomerField("cus1"), ledger.Field{Key: "amount", Value: 30})

	out := output.String()
	if !strings.Contains(out, `"customer_id":"cus1"`) {
		t.Errorf("expected customer_id field, got %s", out)
	}
	if !strings.Contains(out, `"amount":30`) {
		t.Errorf("expected amount field, got %s", out)
	}
}

func TestLogger_RespectsLevel(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")

	if output.Len() != 0 {
		t.Errorf("expected no output below warn level, got %s", output.String())
	}
}
