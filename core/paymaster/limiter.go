package paymaster

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/riftline/oprelay/storage"
)

// UsageLimiter enforces the per-(wallet, scope) sponsorship cap over fixed
// windows. Counters are durable and keyed by window index, so the cap
// survives restarts and resets itself when the window rolls over.
type UsageLimiter struct {
	db     storage.Storage
	limit  uint64
	window time.Duration
	clock  clockwork.Clock
}

func NewUsageLimiter(db storage.Storage, limit uint64, window time.Duration, clock clockwork.Clock) *UsageLimiter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &UsageLimiter{
		db:     db,
		limit:  limit,
		window: window,
		clock:  clock,
	}
}

func (l *UsageLimiter) Limit() uint64 {
	return l.limit
}

// Reserve consumes one sponsorship slot. The check and the increment happen
// in one storage transaction, so concurrent requests can never push usage
// past the cap.
func (l *UsageLimiter) Reserve(wallet common.Address, scope string) (uint64, error) {
	used, granted, err := l.db.IncCounterWithLimit(l.counterKey(wallet, scope), l.limit)
	if err != nil {
		return 0, err
	}
	if !granted {
		return used, ErrLimitReached
	}
	return used, nil
}

// Used reports consumption inside the current window
func (l *UsageLimiter) Used(wallet common.Address, scope string) (uint64, error) {
	return l.db.GetCounter(l.counterKey(wallet, scope), 0)
}

// Reset clears the current window's counter for one (wallet, scope) pair
func (l *UsageLimiter) Reset(wallet common.Address, scope string) error {
	return l.db.Delete(l.counterKey(wallet, scope))
}

func (l *UsageLimiter) counterKey(wallet common.Address, scope string) []byte {
	windowIndex := l.clock.Now().Unix() / int64(l.window.Seconds())
	return []byte(fmt.Sprintf("cap:%s:%s:%d", wallet.Hex(), scope, windowIndex))
}
