package main

import (
	"testing"

	"github.com/ald-control/ald-control-plane/internal/config"
)

func TestHolderNameMatchesLeaseRowConvention(t *testing.T) {
	cases := map[config.Terminal]string{
		config.TerminalCollector:  "terminal_1",
		config.TerminalExecutor:   "terminal_2",
		config.TerminalController: "terminal_3",
	}
	for role, want := range cases {
		if got := holderName(role); got != want {
			t.Errorf("holderName(%v) = %q, want %q", role, got, want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
	if got := firstNonEmpty("set", "fallback"); got != "set" {
		t.Errorf("expected set, got %q", got)
	}
}

func TestBuildLoggerRejectsInvalidLevel(t *testing.T) {
	if _, err := buildLogger("not-a-level", "json"); err == nil {
		t.Error("expected an error for an invalid log level")
	}
}

func TestBuildLoggerAcceptsConsoleFormat(t *testing.T) {
	log, err := buildLogger("debug", "console")
	if err != nil {
		t.Fatalf("buildLogger: %v", err)
	}
	if log == nil {
		t.Fatal("expected a non-nil logger")
	}
}
