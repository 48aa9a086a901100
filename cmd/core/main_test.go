package main

import (
	"testing"

	"github.com/kimhsiao/studysync/backend/internal/cli"
)

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestRun_exitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"version"}, cli.ExitSuccess},
		{"bad format", []string{"--format", "xml", "version"}, cli.ExitCommandError},
		{"reset without confirmation", []string{"--data-dir", t.TempDir(), "reset"}, cli.ExitCommandError},
		{"unknown command", []string{"frobnicate"}, cli.ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestRun_propagatesVersion(t *testing.T) {
	run([]string{"version"})
	if cli.Version != Version {
		t.Errorf("cli.Version = %q, want %q", cli.Version, Version)
	}
}
