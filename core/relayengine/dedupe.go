package relayengine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type claim struct {
	opID      string
	expiresAt time.Time
}

// DedupeIndex maps fingerprints to the operation that owns them. Claims are
// in-process; the queue and the operation store carry the durable state, so
// after a restart the chain's own nonce rules take over for anything this
// table forgot. The TTL is a backstop against claims leaked by crashes
// between claim and enqueue.
type DedupeIndex struct {
	mu     sync.Mutex
	claims map[string]claim
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewDedupeIndex(ttl time.Duration, clock clockwork.Clock) *DedupeIndex {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DedupeIndex{
		claims: make(map[string]claim),
		ttl:    ttl,
		clock:  clock,
	}
}

// TryClaim registers opID as the owner of fingerprint. If a live claim
// already exists the existing owner's id comes back with ok=false. Exactly
// one caller wins for a given fingerprint.
func (d *DedupeIndex) TryClaim(fingerprint, opID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if existing, found := d.claims[fingerprint]; found && existing.expiresAt.After(now) {
		return existing.opID, false
	}

	d.claims[fingerprint] = claim{
		opID:      opID,
		expiresAt: now.Add(d.ttl),
	}
	return opID, true
}

func (d *DedupeIndex) Release(fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.claims, fingerprint)
}

// Sweep drops expired claims and returns how many were removed
func (d *DedupeIndex) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	removed := 0
	for fp, c := range d.claims {
		if !c.expiresAt.After(now) {
			delete(d.claims, fp)
			removed++
		}
	}
	return removed
}

func (d *DedupeIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.claims)
}
