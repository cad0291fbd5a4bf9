package sequencer

import (
	"testing"
	"time"
)

func seqPtr(v int64) *int64 { return &v }

func TestSnapshotAcceptedWithoutPriorState(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	if got := s.Evaluate("T1", KindSnapshot, seqPtr(1)); got != Accept {
		t.Errorf("Evaluate(snapshot) = %v, want Accept", got)
	}
}

func TestDeltaWithoutSnapshotDropped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	if got := s.Evaluate("T1", KindDelta, seqPtr(7)); got != Drop {
		t.Errorf("Evaluate(delta, no snapshot) = %v, want Drop", got)
	}
}

func TestStaleDeltaDropped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(10))

	if got := s.Evaluate("T1", KindDelta, seqPtr(10)); got != Drop {
		t.Errorf("Evaluate(delta, seq==last) = %v, want Drop", got)
	}
	if got := s.Evaluate("T1", KindDelta, seqPtr(9)); got != Drop {
		t.Errorf("Evaluate(delta, seq<last) = %v, want Drop", got)
	}
}

func TestSequentialDeltaAccepted(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(10))

	if got := s.Evaluate("T1", KindDelta, seqPtr(11)); got != Accept {
		t.Errorf("Evaluate(delta, seq==last+1) = %v, want Accept", got)
	}
}

func TestGapAcceptedByDefault(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(10))

	if got := s.Evaluate("T1", KindDelta, seqPtr(15)); got != AcceptWithGap {
		t.Errorf("Evaluate(delta, seq>last+1) = %v, want AcceptWithGap", got)
	}
}

func TestGapDroppedUnderStrictPolicy(t *testing.T) {
	t.Parallel()

	s := New(Config{StrictGapPolicy: true}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(10))

	if got := s.Evaluate("T1", KindDelta, seqPtr(15)); got != Drop {
		t.Errorf("Evaluate(delta, gap, strict) = %v, want Drop", got)
	}
}

func TestDeltaWithoutSequenceIsNotGated(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(10))

	if got := s.Evaluate("T1", KindDelta, nil); got != Accept {
		t.Errorf("Evaluate(delta, no sequence) = %v, want Accept", got)
	}
}

func TestResnapshotRebaselines(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(10))
	s.Evaluate("T1", KindSnapshot, seqPtr(3))

	if got := s.Evaluate("T1", KindDelta, seqPtr(4)); got != Accept {
		t.Errorf("Evaluate(delta after re-snapshot) = %v, want Accept", got)
	}
}

func TestResetOrderbookStateClearsToken(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(10))
	s.ResetOrderbookState("T1")

	if got := s.Evaluate("T1", KindDelta, seqPtr(11)); got != Drop {
		t.Errorf("Evaluate(delta after reset) = %v, want Drop (no baseline)", got)
	}
}

func TestPruneEvictsExpiredEntries(t *testing.T) {
	t.Parallel()

	s := New(Config{TTL: time.Millisecond}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(1))
	time.Sleep(5 * time.Millisecond)
	s.Prune()

	if got := s.Len(); got != 0 {
		t.Errorf("Len() after TTL prune = %d, want 0", got)
	}
}

func TestPruneBoundsSizeToMaxEntries(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxEntries: 2, TTL: time.Hour}, nil)
	s.Evaluate("T1", KindSnapshot, seqPtr(1))
	s.Evaluate("T2", KindSnapshot, seqPtr(1))
	s.Evaluate("T3", KindSnapshot, seqPtr(1))
	s.Prune()

	if got := s.Len(); got > 2 {
		t.Errorf("Len() after MaxEntries prune = %d, want <= 2", got)
	}
}

func TestUnknownKindAcceptedAndTouched(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	if got := s.Evaluate("T1", KindUnknown, nil); got != Accept {
		t.Errorf("Evaluate(unknown) = %v, want Accept", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}
