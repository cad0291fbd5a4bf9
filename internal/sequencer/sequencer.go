// Package sequencer implements the order-book sequencer (C3): per-token
// sequence integrity, snapshot/delta gating, and bounded state with
// TTL+LRU pruning.
package sequencer

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Default tuning constants (§4.3). Overridable via Config.
const (
	DefaultMaxEntries = 10_000
	DefaultTTL        = 600 * time.Second
	pruneEveryN       = 1000
)

// Kind is the shape of an incoming book message as seen by the sequencer.
type Kind int

const (
	KindSnapshot Kind = iota
	KindDelta
	KindUnknown
)

// Decision is the sequencer's verdict for an incoming message.
type Decision int

const (
	Accept Decision = iota
	Drop
	AcceptWithGap
)

// Config tunes the sequencer's bounds and gap policy.
type Config struct {
	MaxEntries int
	TTL        time.Duration
	// StrictGapPolicy, when true, drops a delta on a detected sequence gap
	// instead of accepting it (Open Question 2; default false preserves
	// the source's accept-through-gap behavior).
	StrictGapPolicy bool
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

type entry struct {
	tokenID      string
	lastSequence int64
	hasSnapshot  bool
	touched      time.Time
	elem         *list.Element // position in lru for O(1) touch/evict
}

// Sequencer tracks per-token order-book state and decides whether an
// incoming snapshot/delta should be accepted, dropped, or accepted with a
// logged gap.
type Sequencer struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	states   map[string]*entry
	lru      *list.List // front = most recently touched
	msgCount uint64
}

// New creates a sequencer with the given tuning. A zero Config applies
// the documented defaults.
func New(cfg Config, log *slog.Logger) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{
		cfg:    cfg.withDefaults(),
		log:    log,
		states: make(map[string]*entry),
		lru:    list.New(),
	}
}

// Evaluate applies the transition table in §4.3 for a message on tokenID
// of the given kind carrying sequence (nil if the upstream omitted it).
// On Accept/AcceptWithGap, the sequencer's own state is committed before
// Evaluate returns, so a concurrent retry of the same message cannot
// double-apply it.
func (s *Sequencer) Evaluate(tokenID string, kind Kind, sequence *int64) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	st, exists := s.states[tokenID]

	switch kind {
	case KindSnapshot:
		seq := int64(0)
		if sequence != nil {
			seq = *sequence
		}
		s.touch(tokenID, seq, true, now)
		s.maybePrune(now)
		return Accept

	case KindDelta:
		if !exists || !st.hasSnapshot {
			s.log.Warn("dropping delta with no prior snapshot", slog.String("ctx_token_id", tokenID))
			s.maybePrune(now)
			return Drop
		}
		if sequence == nil {
			// No sequence to gate on: order is implicit-in-arrival.
			s.touch(tokenID, st.lastSequence, true, now)
			s.maybePrune(now)
			return Accept
		}
		seq := *sequence
		switch {
		case seq <= st.lastSequence:
			s.log.Debug("dropping stale delta",
				slog.String("ctx_token_id", tokenID),
				slog.Int64("ctx_sequence", seq),
				slog.Int64("ctx_last_sequence", st.lastSequence),
			)
			s.maybePrune(now)
			return Drop
		case seq == st.lastSequence+1:
			s.touch(tokenID, seq, true, now)
			s.maybePrune(now)
			return Accept
		default:
			if s.cfg.StrictGapPolicy {
				s.log.Warn("dropping delta past a sequence gap",
					slog.String("ctx_token_id", tokenID),
					slog.Int64("ctx_sequence", seq),
					slog.Int64("ctx_last_sequence", st.lastSequence),
				)
				s.maybePrune(now)
				return Drop
			}
			s.log.Warn("accepting delta past a sequence gap",
				slog.String("ctx_token_id", tokenID),
				slog.Int64("ctx_sequence", seq),
				slog.Int64("ctx_last_sequence", st.lastSequence),
			)
			s.touch(tokenID, seq, true, now)
			s.maybePrune(now)
			return AcceptWithGap
		}

	default: // KindUnknown: accept as snapshot-shaped, just touch.
		last := int64(0)
		if exists {
			last = st.lastSequence
		}
		s.touch(tokenID, last, exists && st.hasSnapshot, now)
		s.maybePrune(now)
		return Accept
	}
}

// touch must be called with s.mu held.
func (s *Sequencer) touch(tokenID string, seq int64, hasSnapshot bool, now time.Time) {
	st, ok := s.states[tokenID]
	if !ok {
		st = &entry{tokenID: tokenID}
		st.elem = s.lru.PushFront(st)
		s.states[tokenID] = st
	} else {
		s.lru.MoveToFront(st.elem)
	}
	st.lastSequence = seq
	st.hasSnapshot = hasSnapshot
	st.touched = now
}

// ResetOrderbookState clears state for tokenID, or for every token when
// tokenID is empty. A future resubscribe then starts from a clean slate.
func (s *Sequencer) ResetOrderbookState(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tokenID == "" {
		s.states = make(map[string]*entry)
		s.lru = list.New()
		return
	}
	if st, ok := s.states[tokenID]; ok {
		s.lru.Remove(st.elem)
		delete(s.states, tokenID)
	}
}

// Prune runs a pruning pass unconditionally: first TTL eviction, then
// LRU eviction down to MaxEntries. Safe to call on every heartbeat tick
// (§4.5) in addition to the N-message cadence applied internally.
func (s *Sequencer) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(time.Now())
}

// maybePrune triggers a prune every pruneEveryN processed messages. Must
// be called with s.mu held.
func (s *Sequencer) maybePrune(now time.Time) {
	s.msgCount++
	if s.msgCount%pruneEveryN == 0 {
		s.prune(now)
	}
}

// prune must be called with s.mu held.
func (s *Sequencer) prune(now time.Time) {
	for e := s.lru.Back(); e != nil; {
		st := e.Value.(*entry)
		prev := e.Prev()
		if now.Sub(st.touched) > s.cfg.TTL {
			s.lru.Remove(e)
			delete(s.states, st.tokenID)
		}
		e = prev
	}

	for len(s.states) > s.cfg.MaxEntries {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		st := oldest.Value.(*entry)
		s.lru.Remove(oldest)
		delete(s.states, st.tokenID)
	}
}

// Len returns the number of tracked tokens. Used by tests and metrics.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
