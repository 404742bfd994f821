package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type QuotaCategory string

const (
	QuotaNote        QuotaCategory = "note"
	QuotaExtraction  QuotaCategory = "extraction"
	QuotaResolution  QuotaCategory = "resolution"
	QuotaDailyDigest QuotaCategory = "daily_digest"
)

// QuotaCategories lists every gated category in display order
var QuotaCategories = []QuotaCategory{QuotaNote, QuotaExtraction, QuotaResolution, QuotaDailyDigest}

// Validate checks if the category is known
func (x QuotaCategory) Validate() error {
	switch x {
	case QuotaNote, QuotaExtraction, QuotaResolution, QuotaDailyDigest:
		return nil
	default:
		return goerr.Wrap(ErrInvalidCategory, "unknown quota category", goerr.V("category", x))
	}
}

type ResetPolicy string

const (
	ResetMonthly ResetPolicy = "monthly"
	ResetNever   ResetPolicy = "never"
)

// QuotaLimit is the configured allowance of a category
type QuotaLimit struct {
	Max   int         `yaml:"max"`
	Reset ResetPolicy `yaml:"reset"`
}

type QuotaCounter struct {
	Remaining     int
	Max           int
	Reset         ResetPolicy
	FreeGrantUsed bool
	PeriodStart   time.Time
}

type QuotaState struct {
	Counters  map[QuotaCategory]*QuotaCounter
	Unlimited bool
	UpdatedAt time.Time
}

// Clone returns a deep copy of the state
func (x *QuotaState) Clone() *QuotaState {
	cp := &QuotaState{
		Counters:  make(map[QuotaCategory]*QuotaCounter, len(x.Counters)),
		Unlimited: x.Unlimited,
		UpdatedAt: x.UpdatedAt,
	}
	for k, v := range x.Counters {
		c := *v
		cp.Counters[k] = &c
	}
	return cp
}
