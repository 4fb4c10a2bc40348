package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionWindow is how long after a customer's inbound message freeform text
// replies are permitted
const SessionWindow = 24 * time.Hour

// InboundEvent is one inbound message from a recipient, sourced externally and
// never mutated by the engine
type InboundEvent struct {
	Address    string    `json:"recipient"`
	ReceivedOn time.Time `json:"received_on"`
}

// HistoryLookup fetches the inbound event history for a recipient, ordered most
// recent first
type HistoryLookup interface {
	InboundHistory(ctx context.Context, address string) ([]InboundEvent, error)
}

// IsEligible reports whether freeform text messaging is permitted to a recipient
// with the passed in inbound history. Only the most recent event matters, an
// older expired window is irrelevant once a newer inbound message restarts it.
// The boundary is exclusive, a recipient whose newest inbound is exactly 24h old
// is no longer eligible.
func IsEligible(now time.Time, history []InboundEvent) bool {
	if len(history) == 0 {
		return false
	}
	return now.Sub(history[0].ReceivedOn) < SessionWindow
}

// EligibilitySet partitions a recipient set by session window eligibility,
// preserving the order of the input in each bucket
type EligibilitySet struct {
	Eligible   []string `json:"eligible"`
	Ineligible []string `json:"ineligible"`
}

// FilterEligible partitions the passed in addresses by session window
// eligibility. History lookups are issued concurrently per recipient and all
// joined before the partition is returned. A lookup failure makes that
// recipient ineligible rather than failing the whole partition.
func FilterEligible(ctx context.Context, addresses []string, lookup HistoryLookup) EligibilitySet {
	now := time.Now()
	eligible := make([]bool, len(addresses))

	wg := &sync.WaitGroup{}
	for i, addr := range addresses {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			history, err := lookup.InboundHistory(ctx, addr)
			if err != nil {
				logrus.WithField("comp", "session").WithField("recipient", addr).WithError(err).Error("error fetching inbound history")
				return
			}
			eligible[i] = IsEligible(now, history)
		}(i, addr)
	}
	wg.Wait()

	set := EligibilitySet{}
	for i, addr := range addresses {
		if eligible[i] {
			set.Eligible = append(set.Eligible, addr)
		} else {
			set.Ineligible = append(set.Ineligible, addr)
		}
	}
	return set
}
