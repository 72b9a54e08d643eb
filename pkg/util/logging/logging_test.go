package logging

import (
	"testing"

	"github.com/charmbracelet/log"
)

func TestSetupAndFor(t *testing.T) {
	tests := []struct {
		level string
		want  log.Level
	}{
		{"debug", log.DebugLevel},
		{" WARN ", log.WarnLevel},
		{"bogus", log.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "")
			l := For("rangedb")
			if l.GetLevel() != tt.want {
				t.Errorf("level: got %v, want %v", l.GetLevel(), tt.want)
			}
			if l.GetPrefix() != "rangedb" {
				t.Errorf("prefix: got %q", l.GetPrefix())
			}
		})
	}
	Setup("info", "")
}
