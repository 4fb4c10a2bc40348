package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsEligible(t *testing.T) {
	now := time.Date(2023, 8, 10, 12, 0, 0, 0, time.UTC)

	tcs := []struct {
		label    string
		history  []InboundEvent
		expected bool
	}{
		{"empty history", nil, false},
		{"one hour ago", history(now, -time.Hour), true},
		{"just inside the window", history(now, -24*time.Hour+time.Minute), true},
		{"exactly at the boundary", history(now, -24*time.Hour), false},
		{"past the boundary", history(now, -25*time.Hour), false},
		{"newest restarts the window", history(now, -time.Hour, -48*time.Hour), true},
		{"only the newest matters", history(now, -30*time.Hour, -time.Hour), false},
	}

	for _, tc := range tcs {
		assert.Equal(t, tc.expected, IsEligible(now, tc.history), "eligibility mismatch for '%s'", tc.label)
	}
}

func history(now time.Time, offsets ...time.Duration) []InboundEvent {
	events := make([]InboundEvent, len(offsets))
	for i, offset := range offsets {
		events[i] = InboundEvent{Address: "923003000000", ReceivedOn: now.Add(offset)}
	}
	return events
}

// mapHistory is a history lookup backed by a fixed map, it also counts lookups
type mapHistory struct {
	mu      sync.Mutex
	byAddr  map[string][]InboundEvent
	errAddr string
	calls   int
}

func (m *mapHistory) InboundHistory(ctx context.Context, address string) ([]InboundEvent, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if address == m.errAddr {
		return nil, errors.New("history service unavailable")
	}
	return m.byAddr[address], nil
}

func TestFilterEligible(t *testing.T) {
	now := time.Now()
	lookup := &mapHistory{byAddr: map[string][]InboundEvent{
		"923003000000": {{Address: "923003000000", ReceivedOn: now.Add(-time.Hour)}},
		"923004000000": {},
		"923005000000": {{Address: "923005000000", ReceivedOn: now.Add(-30 * time.Hour)}},
		"923006000000": {{Address: "923006000000", ReceivedOn: now.Add(-2 * time.Hour)}},
	}}

	set := FilterEligible(context.Background(), []string{"923003000000", "923004000000", "923005000000", "923006000000"}, lookup)

	assert.Equal(t, []string{"923003000000", "923006000000"}, set.Eligible)
	assert.Equal(t, []string{"923004000000", "923005000000"}, set.Ineligible)
	assert.Equal(t, 4, lookup.calls)
}

func TestFilterEligibleLookupError(t *testing.T) {
	now := time.Now()
	lookup := &mapHistory{
		byAddr: map[string][]InboundEvent{
			"923003000000": {{Address: "923003000000", ReceivedOn: now.Add(-time.Hour)}},
		},
		errAddr: "923004000000",
	}

	// a failed lookup makes that recipient ineligible, not the whole partition
	set := FilterEligible(context.Background(), []string{"923003000000", "923004000000"}, lookup)
	assert.Equal(t, []string{"923003000000"}, set.Eligible)
	assert.Equal(t, []string{"923004000000"}, set.Ineligible)
}

func TestFilterEligibleEmpty(t *testing.T) {
	lookup := &mapHistory{byAddr: map[string][]InboundEvent{}}
	set := FilterEligible(context.Background(), nil, lookup)
	assert.Empty(t, set.Eligible)
	assert.Empty(t, set.Ineligible)
}
