package domain

import "testing"

func TestNormalizeInstanceState(t *testing.T) {
	tests := []struct {
		in   string
		want InstanceState
	}{
		{"pending", InstanceStatePending},
		{"Submitted", InstanceStateSubmitted},
		{" SUCCEEDED ", InstanceStateSucceeded},
		{"failed", InstanceStateFailed},
		{"cancelled", InstanceStateCancelled},
		{"canceled", InstanceStateCancelled},
		{"running", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeInstanceState(tc.in); got != tc.want {
			t.Errorf("NormalizeInstanceState(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInstanceStateIsTerminal(t *testing.T) {
	terminal := []InstanceState{InstanceStateSucceeded, InstanceStateFailed, InstanceStateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal()=false", s)
		}
	}
	for _, s := range []InstanceState{InstanceStatePending, InstanceStateSubmitted, ""} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal()=true", s)
		}
	}
}

func TestCanTransitionInstanceState(t *testing.T) {
	allowed := []struct{ from, to InstanceState }{
		{InstanceStatePending, InstanceStateSubmitted},
		{InstanceStatePending, InstanceStateFailed},
		{InstanceStatePending, InstanceStateCancelled},
		{InstanceStateSubmitted, InstanceStateSubmitted},
		{InstanceStateSubmitted, InstanceStateSucceeded},
		{InstanceStateSubmitted, InstanceStateFailed},
		{InstanceStateSubmitted, InstanceStateCancelled},
	}
	for _, tc := range allowed {
		if !CanTransitionInstanceState(tc.from, tc.to) {
			t.Errorf("transition %s -> %s denied", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to InstanceState }{
		{InstanceStatePending, InstanceStatePending},
		{InstanceStatePending, InstanceStateSucceeded},
		{InstanceStateSubmitted, InstanceStatePending},
		{InstanceStateSucceeded, InstanceStateFailed},
		{InstanceStateSucceeded, InstanceStateSucceeded},
		{InstanceStateFailed, InstanceStateSubmitted},
		{InstanceStateCancelled, InstanceStatePending},
		{"", InstanceStateSubmitted},
		{InstanceStatePending, ""},
	}
	for _, tc := range denied {
		if CanTransitionInstanceState(tc.from, tc.to) {
			t.Errorf("transition %s -> %s allowed", tc.from, tc.to)
		}
	}
}
