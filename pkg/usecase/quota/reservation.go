package quota

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/jotter/pkg/model"
)

type grant int

const (
	grantNone grant = iota
	grantFree
	grantCounted
	grantUnlimited
)

// Reservation holds one unit taken before an inference call. Commit keeps it,
// Release gives it back. Only the first of the two has an effect.
type Reservation struct {
	ledger   *Ledger
	category model.QuotaCategory
	grant    grant
	period   time.Time
	once     sync.Once
}

// Reserve takes one unit of category up front so that no other caller can
// observe it as available while the gated call is in flight.
// Returns model.ErrQuotaExceeded when nothing is left.
func (l *Ledger) Reserve(ctx context.Context, category model.QuotaCategory) (*Reservation, error) {
	g, period, err := l.take(ctx, category)
	if err != nil {
		return nil, err
	}

	return &Reservation{
		ledger:   l,
		category: category,
		grant:    g,
		period:   period,
	}, nil
}

// Commit keeps the reserved unit
func (r *Reservation) Commit() {
	r.once.Do(func() {})
}

// Release refunds the reserved unit
func (r *Reservation) Release(ctx context.Context) {
	r.once.Do(func() {
		r.ledger.refund(ctx, r.category, r.grant, r.period)
	})
}
