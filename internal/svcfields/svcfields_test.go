package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("api", "", ".http.", " call "); got != "api.http.call" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithHelpersTolerateNilLogger(t *testing.T) {
	if WithSubsystem(nil, "storage") == nil {
		t.Fatal("expected logger from WithSubsystem")
	}
	if WithInvocation(nil, "abc") == nil {
		t.Fatal("expected logger from WithInvocation")
	}
}
