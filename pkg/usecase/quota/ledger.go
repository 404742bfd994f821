package quota

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
)

// Store persists the ledger state. repository.Repository satisfies it.
type Store interface {
	GetQuotaState(ctx context.Context) (*model.QuotaState, error)
	PutQuotaState(ctx context.Context, state *model.QuotaState) error
}

// Limits is the configured allowance per category
type Limits map[model.QuotaCategory]model.QuotaLimit

// DefaultLimits returns the free tier allowances
func DefaultLimits() Limits {
	return Limits{
		model.QuotaNote:        {Max: 200, Reset: model.ResetNever},
		model.QuotaExtraction:  {Max: 30, Reset: model.ResetMonthly},
		model.QuotaResolution:  {Max: 20, Reset: model.ResetMonthly},
		model.QuotaDailyDigest: {Max: 31, Reset: model.ResetMonthly},
	}
}

// Ledger gates consumable operations. All methods are safe for concurrent use;
// every check-then-act runs under one lock.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	limits Limits
	state  *model.QuotaState
	now    func() time.Time
}

type Option func(*Ledger)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New loads the persisted state, or initializes it from limits
func New(ctx context.Context, store Store, limits Limits, opts ...Option) (*Ledger, error) {
	if limits == nil {
		limits = DefaultLimits()
	}
	for category := range limits {
		if err := category.Validate(); err != nil {
			return nil, err
		}
	}

	l := &Ledger{
		store:  store,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	state, err := store.GetQuotaState(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load quota state")
	}
	if state == nil {
		state = &model.QuotaState{}
	}
	if state.Counters == nil {
		state.Counters = make(map[model.QuotaCategory]*model.QuotaCounter)
	}
	l.state = state

	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncLimits()
	l.resetElapsed()
	l.persist(ctx)

	return l, nil
}

// syncLimits creates missing counters and applies changed maximums. Caller holds the lock.
func (l *Ledger) syncLimits() {
	now := l.now()
	for category, limit := range l.limits {
		c, ok := l.state.Counters[category]
		if !ok {
			l.state.Counters[category] = &model.QuotaCounter{
				Remaining:   limit.Max,
				Max:         limit.Max,
				Reset:       limit.Reset,
				PeriodStart: now,
			}
			continue
		}
		if c.Max != limit.Max {
			c.Remaining += limit.Max - c.Max
			c.Max = limit.Max
		}
		c.Reset = limit.Reset
		c.Remaining = clamp(c.Remaining, c.Max)
	}
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func samePeriod(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.In(a.Location()).Date()
	return ay == by && am == bm
}

// resetElapsed refills monthly counters whose period ended. Caller holds the lock.
func (l *Ledger) resetElapsed() bool {
	now := l.now()
	changed := false
	for _, c := range l.state.Counters {
		if c.Reset != model.ResetMonthly {
			continue
		}
		if samePeriod(now, c.PeriodStart) || now.Before(c.PeriodStart) {
			continue
		}
		c.Remaining = c.Max
		c.PeriodStart = now
		changed = true
	}
	return changed
}

// persist saves the state. Failures are logged; the in-memory ledger stays authoritative.
func (l *Ledger) persist(ctx context.Context) {
	l.state.UpdatedAt = l.now()
	if err := l.store.PutQuotaState(ctx, l.state.Clone()); err != nil {
		logging.From(ctx).Error("failed to persist quota state", "error", err)
	}
}

func (l *Ledger) counter(category model.QuotaCategory) (*model.QuotaCounter, error) {
	c, ok := l.state.Counters[category]
	if !ok {
		return nil, goerr.Wrap(model.ErrInvalidCategory, "no limit configured", goerr.V("category", category))
	}
	return c, nil
}

func allowed(c *model.QuotaCounter) bool {
	return !c.FreeGrantUsed || c.Remaining > 0
}

// ResetIfPeriodElapsed refills monthly counters at calendar month rollover
func (l *Ledger) ResetIfPeriodElapsed(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resetElapsed() {
		l.persist(ctx)
	}
}

// CanConsume reports whether one unit of category is available. Unknown categories report false.
func (l *Ledger) CanConsume(ctx context.Context, category model.QuotaCategory) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resetElapsed() {
		l.persist(ctx)
	}
	if l.state.Unlimited {
		return true
	}
	c, err := l.counter(category)
	if err != nil {
		return false
	}
	return allowed(c)
}

// Consume takes one unit of category. The first use of a category only marks
// the free grant as used. Returns model.ErrQuotaExceeded when nothing is left.
func (l *Ledger) Consume(ctx context.Context, category model.QuotaCategory) error {
	_, _, err := l.take(ctx, category)
	return err
}

// take deducts one unit and reports how it was granted and in which period
func (l *Ledger) take(ctx context.Context, category model.QuotaCategory) (grant, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetElapsed()
	if l.state.Unlimited {
		return grantUnlimited, time.Time{}, nil
	}

	c, err := l.counter(category)
	if err != nil {
		return grantNone, time.Time{}, err
	}

	var g grant
	switch {
	case !c.FreeGrantUsed:
		c.FreeGrantUsed = true
		g = grantFree
	case c.Remaining > 0:
		c.Remaining--
		g = grantCounted
	default:
		logging.From(ctx).Info("quota exhausted", "category", category, "max", c.Max)
		return grantNone, time.Time{}, goerr.Wrap(model.ErrQuotaExceeded, "no quota left",
			goerr.V("category", category),
			goerr.V("max", c.Max))
	}

	l.persist(ctx)
	return g, c.PeriodStart, nil
}

// refund gives back a unit taken in period
func (l *Ledger) refund(ctx context.Context, category model.QuotaCategory, g grant, period time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.counter(category)
	if err != nil {
		return
	}
	switch g {
	case grantFree:
		c.FreeGrantUsed = false
	case grantCounted:
		// a rollover since the reservation already refilled the counter
		if !c.PeriodStart.Equal(period) {
			return
		}
		c.Remaining = clamp(c.Remaining+1, c.Max)
	default:
		return
	}
	l.persist(ctx)
}

// Snapshot returns a copy of the current state
func (l *Ledger) Snapshot() *model.QuotaState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// SetUnlimited lifts every limit, for paid plans
func (l *Ledger) SetUnlimited(ctx context.Context, unlimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Unlimited = unlimited
	l.persist(ctx)
}
