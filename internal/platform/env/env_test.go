package env

import (
	"testing"
	"time"
)

func TestRequiredString(t *testing.T) {
	t.Setenv("HELIX_TEST_REQUIRED", "value")
	v, err := RequiredString("HELIX_TEST_REQUIRED")
	if err != nil || v != "value" {
		t.Fatalf("v=%q err=%v", v, err)
	}

	t.Setenv("HELIX_TEST_REQUIRED", "  ")
	if _, err := RequiredString("HELIX_TEST_REQUIRED"); err == nil {
		t.Fatal("blank value did not error")
	}

	if _, err := RequiredString("HELIX_TEST_UNSET_KEY"); err == nil {
		t.Fatal("unset key did not error")
	}
}

func TestTypedLookups(t *testing.T) {
	t.Setenv("HELIX_TEST_INT", "7")
	if v, err := Int("HELIX_TEST_INT", 1); err != nil || v != 7 {
		t.Fatalf("int=%d err=%v", v, err)
	}
	if v, err := Int("HELIX_TEST_INT_UNSET", 1); err != nil || v != 1 {
		t.Fatalf("int default=%d err=%v", v, err)
	}

	t.Setenv("HELIX_TEST_BOOL", "not-a-bool")
	if _, err := Bool("HELIX_TEST_BOOL", false); err == nil {
		t.Fatal("bad bool did not error")
	}

	t.Setenv("HELIX_TEST_DURATION", "1500ms")
	if v, err := Duration("HELIX_TEST_DURATION", time.Second); err != nil || v != 1500*time.Millisecond {
		t.Fatalf("duration=%v err=%v", v, err)
	}
}
