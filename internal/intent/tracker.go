// Package intent tracks user intents so that work started for a superseded
// selection is cancelled and its late results are discarded.
//
// Each intent class keeps an epoch counter. Begin bumps the counter, cancels
// the context handed out for the previous epoch and returns a token; a
// continuation applies its result only while Current(token) holds.
package intent

import (
	"context"
	"sync"
)

// Class groups intents that supersede each other.
type Class string

const (
	ClassNearby    Class = "nearby"
	ClassIsochrone Class = "isochrone"
	ClassAggregate Class = "aggregate"
)

// Token identifies one intent.
type Token struct {
	Class Class
	Epoch uint64
}

type slot struct {
	epoch  uint64
	cancel context.CancelFunc
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	classes map[Class]*slot
}

func NewTracker() *Tracker {
	return &Tracker{classes: make(map[Class]*slot)}
}

// Begin starts a new intent of class, cancelling the previous one. The
// returned context is cancelled when the intent is superseded or finished.
func (t *Tracker) Begin(parent context.Context, class Class) (Token, context.Context) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	s, ok := t.classes[class]
	if !ok {
		s = &slot{}
		t.classes[class] = s
	}
	prev := s.cancel
	s.epoch++
	s.cancel = cancel
	tok := Token{Class: class, Epoch: s.epoch}
	t.mu.Unlock()

	if prev != nil {
		prev()
	}
	return tok, ctx
}

// Current reports whether tok is still the latest intent of its class.
func (t *Tracker) Current(tok Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.classes[tok.Class]
	return ok && s.epoch == tok.Epoch
}

// Epoch returns the latest epoch of class, zero if none began yet.
func (t *Tracker) Epoch(class Class) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.classes[class]; ok {
		return s.epoch
	}
	return 0
}

// Finish releases tok's context if it is still current. The epoch is kept so
// results stamped with tok remain valid.
func (t *Tracker) Finish(tok Token) {
	t.mu.Lock()
	s, ok := t.classes[tok.Class]
	var cancel context.CancelFunc
	if ok && s.epoch == tok.Epoch {
		cancel = s.cancel
		s.cancel = nil
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Cancel supersedes whatever intent of class is in flight without starting a
// new one.
func (t *Tracker) Cancel(class Class) {
	t.mu.Lock()
	s, ok := t.classes[class]
	var cancel context.CancelFunc
	if ok {
		s.epoch++
		cancel = s.cancel
		s.cancel = nil
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
