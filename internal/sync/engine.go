// Package sync mirrors the remote ticketing system into the local cache: a
// fixed pipeline of stages (members, boards, time entries, discovery,
// projects, service tickets, project tickets, ledger) gated by a staleness
// policy.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JohanCodinha/mspsync/internal/cache"
	"github.com/JohanCodinha/mspsync/internal/cw"
	"github.com/JohanCodinha/mspsync/internal/logger"
	"github.com/JohanCodinha/mspsync/internal/metrics"
)

// Defaults for Options.
const (
	DefaultLookback  = 3 * 365 * 24 * time.Hour
	DefaultChunkSize = 50
	DefaultBatchSize = 50
)

// Remote is the read side of the ticketing API the engine pulls from.
// *cw.Client implements it.
type Remote interface {
	ListMembers(ctx context.Context, f cw.MemberFilter) ([]cw.Member, error)
	ListBoards(ctx context.Context, f cw.BoardFilter) ([]cw.Board, error)
	ListTimeEntries(ctx context.Context, f cw.TimeEntryFilter) ([]cw.TimeEntry, error)
	ListTickets(ctx context.Context, f cw.TicketFilter) ([]cw.Ticket, error)
	ListProjects(ctx context.Context, f cw.ProjectFilter) ([]cw.Project, error)
	ListProjectTickets(ctx context.Context, f cw.ProjectTicketFilter) ([]cw.ProjectTicket, error)
	Warnings() []error
}

// Options configures an Engine. Zero sizes select the defaults.
type Options struct {
	// Engineers is the allow-list of member identifiers, matched case-insensitively.
	Engineers []string
	// ServiceBoards are the in-scope service board names.
	ServiceBoards []string
	// Lookback is how far back time entries are pulled.
	Lookback time.Duration
	// ChunkSize bounds the ids per "id IN (...)" request.
	ChunkSize int
	// BatchSize bounds concurrent writes to the store.
	BatchSize int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Engine runs sync pipelines against one store and one remote.
type Engine struct {
	cache  *cache.DB
	remote Remote
	gate   *Gate
	opts   Options
}

// NewEngine creates a new sync engine.
func NewEngine(cacheDB *cache.DB, remote Remote, gate *Gate, opts Options) *Engine {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		cache:  cacheDB,
		remote: remote,
		gate:   gate,
		opts:   opts,
	}
}

// SyncIfDue consults the staleness gate and runs the pipeline when allowed.
// A refused run returns ErrSyncRefused before any network call. forceFull
// upgrades an allowed incremental run to a full one.
//
// When an incremental run fails and the policy allows it, the run is retried
// once in full mode; the returned report has FellBack set.
func (e *Engine) SyncIfDue(ctx context.Context, forceFull bool) (*Report, error) {
	plan, err := e.gate.PlanRun(ctx)
	if err != nil {
		return nil, err
	}
	if !plan.Allowed {
		logger.Info("sync: skipped: %s", plan.Reason)
		return nil, fmt.Errorf("%w: %s", ErrSyncRefused, plan.Reason)
	}
	if forceFull && plan.Mode != ModeFull {
		plan.Mode = ModeFull
		plan.Since = time.Time{}
		plan.Reason = "full sync requested"
	}

	report, err := e.Run(ctx, plan)
	if err == nil || plan.Mode != ModeIncremental || !e.gate.Policy().AllowFullFallback || ctx.Err() != nil {
		return report, err
	}

	logger.Warn("sync: incremental run %s failed, falling back to a full sync: %v", report.RunID, err)
	full, fullErr := e.Run(ctx, Plan{Allowed: true, Mode: ModeFull, Reason: "fallback after incremental failure"})
	full.FellBack = true
	full.Warnings = append([]string{fmt.Sprintf("incremental run %s failed: %v", report.RunID, err)}, full.Warnings...)
	return full, fullErr
}

// Run executes every stage in order using plan's mode and watermark. It does
// not consult the gate. A stage error aborts the remaining stages and is
// returned as a *StageError alongside the partial report.
func (e *Engine) Run(ctx context.Context, plan Plan) (*Report, error) {
	mode := plan.Mode
	if mode == "" {
		mode = ModeFull
	}
	r := &run{
		engine:     e,
		mode:       mode,
		since:      plan.Since,
		warnOffset: len(e.remote.Warnings()),
		report: &Report{
			RunID:     uuid.NewString(),
			Mode:      mode,
			StartedAt: e.opts.Now().UTC(),
		},
	}
	if mode == ModeIncremental {
		r.report.Since = plan.Since
	} else {
		r.since = time.Time{}
	}

	if mode == ModeIncremental {
		logger.Info("sync: starting incremental run %s (modified since %s)", r.report.RunID, r.since.UTC().Format(time.RFC3339))
	} else {
		logger.Info("sync: starting full run %s", r.report.RunID)
	}

	stages := []struct {
		name   string
		entity string
		fn     func(context.Context, *StageReport) error
	}{
		{StageMembers, cache.EntityMembers, r.syncMembers},
		{StageBoards, cache.EntityBoards, r.syncBoards},
		{StageTimeEntries, cache.EntityTimeEntries, r.syncTimeEntries},
		{StageDiscoverExtras, "", r.discoverExtras},
		{StageProjects, cache.EntityProjects, r.syncProjects},
		{StageServiceTickets, cache.EntityTickets, r.syncServiceTickets},
		{StageProjectTickets, cache.EntityProjectTickets, r.syncProjectTickets},
		{StageWriteLedger, "", r.writeLedger},
	}

	var runErr error
	for _, st := range stages {
		sr := StageReport{Stage: st.name, Entity: st.entity}
		warnBefore := len(e.remote.Warnings())
		r.lostChunks = 0
		begin := time.Now()
		err := st.fn(ctx, &sr)
		if err == nil {
			err = ctx.Err()
		}
		sr.Duration = time.Since(begin)
		sr.Partial = len(e.remote.Warnings()) > warnBefore || r.lostChunks > 0
		metrics.ObserveStage(st.name, sr.Duration, err)

		if err != nil {
			sr.Error = err.Error()
			r.report.Stages = append(r.report.Stages, sr)
			runErr = &StageError{Stage: st.name, Err: err}
			logger.Error("sync: stage %s failed, aborting run %s: %v", st.name, r.report.RunID, err)
			if st.name != StageWriteLedger {
				r.recordAbort(ctx, st.entity, err)
			}
			break
		}

		if sr.Partial {
			logger.Warn("sync: %s: fetched %d, upserted %d, skipped %d in %s with missing pages",
				st.name, sr.Fetched, sr.Upserted, sr.Skipped, sr.Duration.Round(time.Millisecond))
		} else {
			logger.Info("sync: %s: fetched %d, upserted %d, skipped %d in %s",
				st.name, sr.Fetched, sr.Upserted, sr.Skipped, sr.Duration.Round(time.Millisecond))
		}
		r.report.Stages = append(r.report.Stages, sr)
		if st.entity != "" {
			r.completed = append(r.completed, sr)
		}
	}

	for _, w := range e.remote.Warnings()[r.warnOffset:] {
		r.report.Warnings = append(r.report.Warnings, w.Error())
	}
	r.report.FinishedAt = e.opts.Now().UTC()

	if runErr != nil {
		return r.report, runErr
	}
	metrics.LastRunTimestamp.WithLabelValues(string(mode)).Set(float64(r.report.FinishedAt.Unix()))
	logger.Info("sync: %s", r.report.Summary())
	return r.report, nil
}

// recordAbort writes the ledger for an aborted run: completed stages are
// recorded as synced, the failed entity as failed, later stages not at all.
func (r *run) recordAbort(ctx context.Context, failedEntity string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := r.recordCompleted(ctx); err != nil {
		logger.Error("sync: %v", err)
	}
	if failedEntity == "" {
		return
	}

	if err := r.engine.cache.RecordSyncFailure(ctx, failedEntity, cause.Error(), r.report.RunID, r.report.StartedAt); err != nil {
		logger.Error("sync: %v", err)
	}
}

// recordCompleted marks every completed entity as synced at the run's start
// time, so records modified while the run was in flight are picked up by the
// next incremental run. Partial stages keep their previous watermark so the
// records that were not fetched are asked for again.
func (r *run) recordCompleted(ctx context.Context) error {
	for _, sr := range r.completed {
		var err error
		if sr.Partial {
			err = r.engine.cache.RecordSyncPartial(ctx, sr.Entity, sr.Upserted,
				"incomplete fetch, see run warnings", r.report.RunID, r.report.StartedAt)
		} else {
			err = r.engine.cache.RecordSyncSuccess(ctx, sr.Entity, sr.Upserted, r.report.RunID, r.report.StartedAt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
