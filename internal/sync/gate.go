package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JohanCodinha/mspsync/internal/cache"
)

// Mode is the kind of pull a run performs.
type Mode string

const (
	// ModeFull pulls the whole lookback window.
	ModeFull Mode = "full"
	// ModeIncremental pulls only records modified after a watermark.
	ModeIncremental Mode = "incremental"
)

// Policy configures the staleness gate.
type Policy struct {
	// MinInterval is the hard floor between successful syncs of an entity.
	MinInterval time.Duration
	// StalenessThreshold is the age past which a full sync is required.
	StalenessThreshold time.Duration
	// AllowFullFallback lets a failed incremental run retry once in full mode.
	AllowFullFallback bool
}

// Ledger is the part of the store the gate reads.
type Ledger interface {
	GetSyncLog(ctx context.Context, entity string) (*cache.SyncLog, error)
}

// Decision is the gate's verdict for one entity type.
type Decision struct {
	Entity   string     `yaml:"entity"`
	Allowed  bool       `yaml:"allowed"`
	Mode     Mode       `yaml:"mode,omitempty"`
	Since    time.Time  `yaml:"since,omitempty"`
	LastSync *time.Time `yaml:"last_sync,omitempty"`
	Reason   string     `yaml:"reason"`
}

// Plan is the gate's verdict for a whole run.
type Plan struct {
	Allowed   bool       `yaml:"allowed"`
	Mode      Mode       `yaml:"mode,omitempty"`
	Since     time.Time  `yaml:"since,omitempty"`
	Reason    string     `yaml:"reason"`
	Decisions []Decision `yaml:"entities"`
}

// Gate decides whether and how a sync may run, from the sync ledger.
type Gate struct {
	ledger Ledger
	policy Policy
	now    func() time.Time
}

// NewGate creates a gate over ledger.
func NewGate(ledger Ledger, policy Policy) *Gate {
	return &Gate{ledger: ledger, policy: policy, now: time.Now}
}

// Policy returns the gate's configuration.
func (g *Gate) Policy() Policy {
	return g.policy
}

// ShouldSync evaluates the rules for one entity type, in order:
//  1. never synced successfully: allowed, full
//  2. synced less than MinInterval ago: refused
//  3. synced more than StalenessThreshold ago: allowed, full
//  4. otherwise: allowed, incremental since the last sync
func (g *Gate) ShouldSync(ctx context.Context, entity string) (Decision, error) {
	d := Decision{Entity: entity}

	log, err := g.ledger.GetSyncLog(ctx, entity)
	if err != nil {
		return d, fmt.Errorf("sync: reading ledger for %s: %w", entity, err)
	}
	if log == nil || log.LastSyncAt == nil {
		d.Allowed = true
		d.Mode = ModeFull
		d.Reason = "never synced"
		return d, nil
	}

	last := *log.LastSyncAt
	d.LastSync = &last
	age := g.now().Sub(last)

	switch {
	case age < g.policy.MinInterval:
		d.Reason = fmt.Sprintf("last synced %s ago, minimum interval is %s", roundAge(age), g.policy.MinInterval)
	case age > g.policy.StalenessThreshold:
		d.Allowed = true
		d.Mode = ModeFull
		d.Reason = fmt.Sprintf("last synced %s ago, older than %s", roundAge(age), g.policy.StalenessThreshold)
	default:
		d.Allowed = true
		d.Mode = ModeIncremental
		d.Since = last
		d.Reason = fmt.Sprintf("last synced %s ago", roundAge(age))
	}
	return d, nil
}

// PlanRun combines the decisions of every entity type into one run. A run is
// refused while any entity is inside its minimum interval; it is full when
// any entity needs a full sync; otherwise it is incremental from the oldest
// last-sync time.
func (g *Gate) PlanRun(ctx context.Context) (Plan, error) {
	var p Plan
	var refused []string
	full := false

	for _, entity := range cache.Entities {
		d, err := g.ShouldSync(ctx, entity)
		if err != nil {
			return Plan{}, err
		}
		p.Decisions = append(p.Decisions, d)

		switch {
		case !d.Allowed:
			refused = append(refused, entity+": "+d.Reason)
		case d.Mode == ModeFull:
			full = true
		case p.Since.IsZero() || d.Since.Before(p.Since):
			p.Since = d.Since
		}
	}

	switch {
	case len(refused) > 0:
		p.Since = time.Time{}
		p.Reason = strings.Join(refused, "; ")
	case full:
		p.Allowed = true
		p.Mode = ModeFull
		p.Since = time.Time{}
		p.Reason = "full sync required"
	default:
		p.Allowed = true
		p.Mode = ModeIncremental
		p.Reason = "incremental since " + p.Since.UTC().Format(time.RFC3339)
	}
	return p, nil
}

func roundAge(d time.Duration) time.Duration {
	if d < time.Minute {
		return d.Round(time.Second)
	}
	return d.Round(time.Minute)
}
