package guardrail

import (
	"context"
	"sync"
	"time"
)

// MemoryState keeps guardrail counters in process memory. Dev and test
// use only: counters are not shared across processes, so a multi-node
// deployment must use RedisState.
type MemoryState struct {
	mu       sync.Mutex
	rates    map[string][]time.Time
	lastActs map[string]time.Time
	activity map[string][]activityEvent
}

type activityEvent struct {
	ts          time.Time
	cartridgeID string
	entityID    string
	exposure    float64
}

// NewMemoryState returns an empty state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		rates:    make(map[string][]time.Time),
		lastActs: make(map[string]time.Time),
		activity: make(map[string][]activityEvent),
	}
}

func windowStart(now time.Time, windowMs int64) time.Time {
	return now.Add(-time.Duration(windowMs) * time.Millisecond)
}

func (s *MemoryState) RateCount(_ context.Context, key string, windowMs int64, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := windowStart(now, windowMs)
	count := 0
	for _, ts := range s.rates[key] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryState) IncrRate(_ context.Context, key string, windowMs int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := windowStart(now, windowMs)
	kept := s.rates[key][:0]
	for _, ts := range s.rates[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.rates[key] = append(kept, now)
	return nil
}

func (s *MemoryState) LastAction(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActs[key], nil
}

// SetLastAction stores the timestamp. The TTL is advisory here; only
// the Redis backend needs it for key hygiene.
func (s *MemoryState) SetLastAction(_ context.Context, key string, ts time.Time, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActs[key] = ts
	return nil
}

func (s *MemoryState) Activity(_ context.Context, principalID string, windowMs int64, now time.Time) (Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := windowStart(now, windowMs)

	var act Activity
	entities := map[string]bool{}
	cartridges := map[string]bool{}
	for _, ev := range s.activity[principalID] {
		if !ev.ts.After(cutoff) {
			continue
		}
		act.RecentActionCount++
		act.CumulativeExposure += ev.exposure
		if ev.entityID != "" {
			entities[ev.entityID] = true
		}
		if ev.cartridgeID != "" {
			cartridges[ev.cartridgeID] = true
		}
	}
	act.DistinctTargetEntities = len(entities)
	act.DistinctCartridges = len(cartridges)
	return act, nil
}

func (s *MemoryState) RecordActivity(_ context.Context, principalID, cartridgeID, entityID string, exposure float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := windowStart(now, CompositeWindowMs)
	kept := s.activity[principalID][:0]
	for _, ev := range s.activity[principalID] {
		if ev.ts.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	s.activity[principalID] = append(kept, activityEvent{
		ts: now, cartridgeID: cartridgeID, entityID: entityID, exposure: exposure,
	})
	return nil
}
