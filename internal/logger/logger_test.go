package logger

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		json  bool
		debug bool
	}{
		{name: "console info"},
		{name: "json debug", json: true, debug: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l, err := New("run", tt.json, tt.debug)
			if err != nil {
				t.Fatalf("new logger: %v", err)
			}
			if l.Name() != "run" {
				t.Fatalf("expected the command name, got %q", l.Name())
			}
			if got := l.Core().Enabled(zap.DebugLevel); got != tt.debug {
				t.Fatalf("debug enabled = %t, want %t", got, tt.debug)
			}
		})
	}
}
