package app

import (
	"testing"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Serve(t *testing.T) {
	cmd := ParseCommand([]string{"serve"})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([serve]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Migrate(t *testing.T) {
	cmd := ParseCommand([]string{"migrate"})
	if cmd != CommandMigrate {
		t.Errorf("ParseCommand([migrate]) = %q, want %q", cmd, CommandMigrate)
	}
}

func TestParseCommand_Healthcheck(t *testing.T) {
	cmd := ParseCommand([]string{"healthcheck"})
	if cmd != CommandHealthcheck {
		t.Errorf("ParseCommand([healthcheck]) = %q, want %q", cmd, CommandHealthcheck)
	}
}

func TestParseCommand_UnknownDefaultsToServe(t *testing.T) {
	for _, arg := range []string{"unknown", "worker"} {
		if cmd := ParseCommand([]string{arg}); cmd != CommandServe {
			t.Errorf("ParseCommand([%s]) = %q, want %q", arg, cmd, CommandServe)
		}
	}
}

func TestParseMigrateAction(t *testing.T) {
	tests := []struct {
		args []string
		want MigrateAction
	}{
		{[]string{"migrate"}, MigrateUp},
		{[]string{"migrate", "up"}, MigrateUp},
		{[]string{"migrate", "down"}, MigrateDown},
		{[]string{"migrate", "version"}, MigrateVersion},
		{[]string{"migrate", "sideways"}, MigrateUp},
	}

	for _, tt := range tests {
		if got := ParseMigrateAction(tt.args); got != tt.want {
			t.Errorf("ParseMigrateAction(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
