package session

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
)

const (
	DefaultFreshnessWindow = 15 * time.Minute
	DefaultStallThreshold  = 7 * 24 * time.Hour
	DefaultMomentumWindow  = 7 * 24 * time.Hour

	backlogThreshold = 5
)

// Inputs are the persisted entities a snapshot is computed from. Nil slices count as zero.
type Inputs struct {
	Notes       []*model.Note
	Actions     []*model.Action
	Commitments []*model.Commitment
	Unresolved  []*model.UnresolvedItem
}

// Loader fetches Inputs on demand
type Loader func(ctx context.Context) (*Inputs, error)

// WarningPolicy adds rule-based warnings to a computed snapshot
type WarningPolicy interface {
	Evaluate(ctx context.Context, snapshot model.SessionSnapshot) ([]model.AttentionWarning, error)
}

// Aggregator keeps the current session snapshot and recomputes it only when
// stale or older than the freshness window.
type Aggregator struct {
	freshness time.Duration
	stall     time.Duration
	momentum  time.Duration
	policy    WarningPolicy
	now       func() time.Time

	mu         sync.Mutex
	snapshot   *model.SessionSnapshot
	stale      bool
	generation uint64
}

type Option func(*Aggregator)

func WithFreshnessWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		a.freshness = d
	}
}

func WithStallThreshold(d time.Duration) Option {
	return func(a *Aggregator) {
		a.stall = d
	}
}

func WithMomentumWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		a.momentum = d
	}
}

func WithWarningPolicy(p WarningPolicy) Option {
	return func(a *Aggregator) {
		a.policy = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		freshness: DefaultFreshnessWindow,
		stall:     DefaultStallThreshold,
		momentum:  DefaultMomentumWindow,
		now:       time.Now,
		stale:     true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MarkStale forces the next refresh to recompute
func (a *Aggregator) MarkStale() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stale = true
	a.generation++
}

// IsStale reports whether a note was saved since the last computation or the
// freshness window elapsed
func (a *Aggregator) IsStale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isStale()
}

func (a *Aggregator) isStale() bool {
	if a.stale || a.snapshot == nil {
		return true
	}
	return a.now().Sub(a.snapshot.GeneratedAt) >= a.freshness
}

// Current returns the cached snapshot and whether one exists
func (a *Aggregator) Current() (model.SessionSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot == nil {
		return model.SessionSnapshot{Stale: true}, false
	}
	snap := a.snapshot.Clone()
	snap.Stale = a.isStale()
	return snap, true
}

// RefreshIfNeeded recomputes from inputs when stale, otherwise returns the
// cached snapshot unchanged.
func (a *Aggregator) RefreshIfNeeded(ctx context.Context, inputs Inputs) model.SessionSnapshot {
	return a.RefreshWith(ctx, func(context.Context) (*Inputs, error) {
		return &inputs, nil
	})
}

// RefreshWith is RefreshIfNeeded with inputs loaded only when a recompute is
// due. A MarkStale that arrives while loading keeps the result stale. Load
// errors are logged and the cached snapshot is returned.
func (a *Aggregator) RefreshWith(ctx context.Context, load Loader) model.SessionSnapshot {
	a.mu.Lock()
	if !a.isStale() {
		snap := a.snapshot.Clone()
		a.mu.Unlock()
		return snap
	}
	generation := a.generation
	a.mu.Unlock()

	inputs, err := load(ctx)
	if err != nil {
		logging.From(ctx).Warn("failed to load session inputs", "error", err)
		snap, _ := a.Current()
		return snap
	}
	if inputs == nil {
		inputs = &Inputs{}
	}

	snap := a.compute(inputs)
	snap.Warnings = append(snap.Warnings, a.policyWarnings(ctx, snap)...)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation == generation {
		a.stale = false
	}
	a.snapshot = &snap
	out := snap.Clone()
	out.Stale = a.stale
	return out
}

func (a *Aggregator) policyWarnings(ctx context.Context, snap model.SessionSnapshot) []model.AttentionWarning {
	if a.policy == nil {
		return nil
	}
	warnings, err := a.policy.Evaluate(ctx, snap.Clone())
	if err != nil {
		logging.From(ctx).Warn("attention policy failed", "error", err)
		return nil
	}
	for i := range warnings {
		if warnings[i].Kind == "" {
			warnings[i].Kind = model.WarningPolicy
		}
	}
	return warnings
}

func (a *Aggregator) compute(in *Inputs) model.SessionSnapshot {
	now := a.now()
	today := model.StartOfDay(now)
	stallBefore := now.Add(-a.stall)
	currentFrom := now.Add(-a.momentum)
	priorFrom := currentFrom.Add(-a.momentum)

	snap := model.SessionSnapshot{GeneratedAt: now}
	window := func(t time.Time) {
		switch {
		case !t.Before(currentFrom) && !t.After(now):
			snap.CurrentWindow++
		case !t.Before(priorFrom) && t.Before(currentFrom):
			snap.PriorWindow++
		}
	}

	for _, n := range in.Notes {
		if !n.CreatedAt.Before(today) {
			snap.NotesToday++
		}
		window(n.CreatedAt)
	}

	overdue := 0
	for _, x := range in.Actions {
		if x.Completed {
			if x.CompletedAt != nil {
				window(*x.CompletedAt)
			}
			continue
		}
		snap.OpenActions++
		if x.LastActivity().Before(stallBefore) {
			snap.StalledItems++
		}
		if x.DueAt != nil && x.DueAt.Before(today) {
			overdue++
		}
	}
	for _, x := range in.Commitments {
		if x.Completed {
			if x.CompletedAt != nil {
				window(*x.CompletedAt)
			}
			continue
		}
		snap.OpenCommitments++
		if x.CreatedAt.Before(stallBefore) {
			snap.StalledItems++
		}
	}
	for _, x := range in.Unresolved {
		if x.Resolved {
			continue
		}
		snap.OpenUnresolved++
		if x.CreatedAt.Before(stallBefore) {
			snap.StalledItems++
		}
	}

	snap.Momentum = momentum(snap.CurrentWindow, snap.PriorWindow)

	if snap.StalledItems > 0 {
		snap.Warnings = append(snap.Warnings, model.AttentionWarning{
			Kind:    model.WarningStalled,
			Message: "items without activity for a while",
			Count:   snap.StalledItems,
		})
	}
	if overdue > 0 {
		snap.Warnings = append(snap.Warnings, model.AttentionWarning{
			Kind:    model.WarningOverdue,
			Message: "actions past their due date",
			Count:   overdue,
		})
	}
	if snap.OpenUnresolved >= backlogThreshold {
		snap.Warnings = append(snap.Warnings, model.AttentionWarning{
			Kind:    model.WarningUnresolved,
			Message: "open questions are piling up",
			Count:   snap.OpenUnresolved,
		})
	}
	if snap.OpenCommitments >= backlogThreshold {
		snap.Warnings = append(snap.Warnings, model.AttentionWarning{
			Kind:    model.WarningOpenCommitments,
			Message: "many promises are still open",
			Count:   snap.OpenCommitments,
		})
	}
	return snap
}

// momentum compares activity counts with a 20% band around the prior window
func momentum(current, prior int) model.Momentum {
	switch {
	case current == 0 && prior == 0:
		return model.MomentumIdle
	case current*5 > prior*6:
		return model.MomentumRising
	case current*5 < prior*4:
		return model.MomentumSlowing
	default:
		return model.MomentumSteady
	}
}
