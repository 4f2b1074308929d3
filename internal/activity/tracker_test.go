package activity

import (
	"testing"
	"time"
)

func TestNeverSeenSessionIsNotIdle(t *testing.T) {
	tr := New()
	if tr.GetIdleTimeMs("ghost") != 0 {
		t.Fatal("expected 0 idle time for never-seen session")
	}
	if tr.IsIdleFor("ghost", time.Second) {
		t.Fatal("expected never-seen session to not be idle")
	}
}

func TestRecordActivityResetsIdleTime(t *testing.T) {
	tr := New()
	fake := time.Now()
	tr.now = func() time.Time { return fake }

	tr.RecordActivity("dev-1")
	fake = fake.Add(5 * time.Second)

	if ms := tr.GetIdleTimeMs("dev-1"); ms != 5000 {
		t.Fatalf("expected 5000ms idle, got %d", ms)
	}
	if !tr.IsIdleFor("dev-1", 4*time.Second) {
		t.Fatal("expected idle for 4s threshold")
	}
	if tr.IsIdleFor("dev-1", 10*time.Second) {
		t.Fatal("expected not idle for 10s threshold")
	}
}

func TestRecordFilteredActivityIgnoresSpinnerNoise(t *testing.T) {
	tr := New()
	fake := time.Now()
	tr.now = func() time.Time { return fake }

	tr.RecordActivity("dev-1")
	fake = fake.Add(time.Second)

	// a lone cursor-move escape collapses to nothing meaningful
	tr.RecordFilteredActivity("dev-1", "\x1b[2K\x1b[1G")
	if ms := tr.GetIdleTimeMs("dev-1"); ms != 1000 {
		t.Fatalf("expected spinner noise to not reset activity, got %dms", ms)
	}

	tr.RecordFilteredActivity("dev-1", "a meaningful line of real output")
	if ms := tr.GetIdleTimeMs("dev-1"); ms != 0 {
		t.Fatalf("expected meaningful output to reset activity, got %dms", ms)
	}
}

func TestClearRemovesState(t *testing.T) {
	tr := New()
	tr.RecordActivity("dev-1")
	tr.Clear("dev-1")
	if tr.GetIdleTimeMs("dev-1") != 0 {
		t.Fatal("expected cleared session to behave as never-seen")
	}
}
