package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/JohanCodinha/mspsync/internal/cache"
	"github.com/JohanCodinha/mspsync/internal/cw"
	"github.com/JohanCodinha/mspsync/internal/logger"
)

// run holds the state threaded through the stages of one pipeline execution.
type run struct {
	engine     *Engine
	mode       Mode
	since      time.Time // zero in full mode
	report     *Report
	warnOffset int
	lostChunks int // chunks of the current stage that could not be fetched

	memberIDs  []int64
	entries    []cw.TimeEntry
	discovered Discovered
	completed  []StageReport
}

func (r *run) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.Warn("sync: %s", msg)
	r.report.Warnings = append(r.report.Warnings, msg)
}

func (r *run) apply(sr *StageReport, res batchResult) {
	sr.Upserted = res.upserted
	sr.Skipped = res.skipped
	r.report.Warnings = append(r.report.Warnings, res.warnings...)
}

// syncMembers pulls active members and keeps those on the engineer allow-list.
func (r *run) syncMembers(ctx context.Context, sr *StageReport) error {
	remote, err := r.engine.remote.ListMembers(ctx, cw.MemberFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("fetching members: %w", err)
	}
	sr.Fetched = len(remote)

	allowed := make(map[string]bool, len(r.engine.opts.Engineers))
	for _, id := range r.engine.opts.Engineers {
		allowed[strings.ToLower(strings.TrimSpace(id))] = true
	}
	var selected []cw.Member
	for _, m := range remote {
		if allowed[strings.ToLower(m.Identifier)] {
			selected = append(selected, m)
		}
	}
	if len(selected) == 0 {
		r.warn("no active member matches the engineer allow-list")
	}

	var mu gosync.Mutex
	res, err := persistInBatches(ctx, cache.EntityMembers, selected, r.engine.opts.BatchSize,
		func(m cw.Member) int64 { return m.ID },
		func(ctx context.Context, m cw.Member) error {
			local, err := mapMember(m)
			if err != nil {
				return err
			}
			if err := r.engine.cache.UpsertMember(ctx, local); err != nil {
				return &RecordError{Entity: "member", ID: m.ID, Err: err}
			}
			mu.Lock()
			r.memberIDs = append(r.memberIDs, m.ID)
			mu.Unlock()
			return nil
		})
	r.apply(sr, res)
	return err
}

func (r *run) syncBoards(ctx context.Context, sr *StageReport) error {
	boards, err := r.engine.remote.ListBoards(ctx, cw.BoardFilter{})
	if err != nil {
		return fmt.Errorf("fetching boards: %w", err)
	}
	sr.Fetched = len(boards)

	res, err := persistInBatches(ctx, cache.EntityBoards, boards, r.engine.opts.BatchSize,
		func(b cw.Board) int64 { return b.ID },
		func(ctx context.Context, b cw.Board) error {
			if err := r.engine.cache.UpsertBoard(ctx, mapBoard(b)); err != nil {
				return &RecordError{Entity: "board", ID: b.ID, Err: err}
			}
			return nil
		})
	r.apply(sr, res)
	return err
}

// syncTimeEntries pulls the selected members' entries over the lookback
// window. Tickets and projects an entry points at are created as placeholders
// first so the entry's foreign keys hold.
func (r *run) syncTimeEntries(ctx context.Context, sr *StageReport) error {
	filter := cw.TimeEntryFilter{
		MemberIDs:     r.memberIDs,
		From:          r.report.StartedAt.Add(-r.engine.opts.Lookback),
		ModifiedSince: r.since,
	}
	entries, err := r.engine.remote.ListTimeEntries(ctx, filter)
	if err != nil {
		return fmt.Errorf("fetching time entries: %w", err)
	}
	sr.Fetched = len(entries)
	r.entries = entries

	res, err := persistInBatches(ctx, cache.EntityTimeEntries, entries, r.engine.opts.BatchSize,
		func(e cw.TimeEntry) int64 { return e.ID },
		func(ctx context.Context, e cw.TimeEntry) error {
			local, err := mapTimeEntry(e)
			if err != nil {
				return err
			}
			if local.TicketID != nil {
				if err := r.engine.cache.EnsureTicketPlaceholder(ctx, *local.TicketID); err != nil {
					return &RecordError{Entity: "time entry", ID: e.ID, Err: err}
				}
			}
			if local.ProjectID != nil {
				if err := r.engine.cache.EnsureProjectPlaceholder(ctx, *local.ProjectID); err != nil {
					return &RecordError{Entity: "time entry", ID: e.ID, Err: err}
				}
			}
			if err := r.engine.cache.UpsertTimeEntry(ctx, local); err != nil {
				return &RecordError{Entity: "time entry", ID: e.ID, Err: err}
			}
			return nil
		})
	r.apply(sr, res)
	return err
}

func (r *run) discoverExtras(_ context.Context, sr *StageReport) error {
	r.discovered = Discover(r.entries)
	sr.Fetched = len(r.entries)
	logger.Debug("sync: discovered %d tickets and %d projects from %d time entries",
		len(r.discovered.Tickets), len(r.discovered.Projects), len(r.entries))
	return nil
}

// syncProjects pulls the projects the engineers manage, then the projects
// their time was logged against.
func (r *run) syncProjects(ctx context.Context, sr *StageReport) error {
	managed, err := r.engine.remote.ListProjects(ctx, cw.ProjectFilter{
		Managers:      r.engine.opts.Engineers,
		ModifiedSince: r.since,
	})
	if err != nil {
		return fmt.Errorf("fetching managed projects: %w", err)
	}

	have := NewIDSet()
	for _, p := range managed {
		have.Add(p.ID)
	}
	extras, _, err := fetchChunks(ctx, r, "projects", r.discovered.Projects.Minus(have).Sorted(),
		func(ctx context.Context, ids []int64) ([]cw.Project, error) {
			return r.engine.remote.ListProjects(ctx, cw.ProjectFilter{IDs: ids})
		})
	if err != nil {
		return err
	}

	all := append(managed, extras...)
	sr.Fetched = len(all)
	res, err := persistInBatches(ctx, cache.EntityProjects, all, r.engine.opts.BatchSize,
		func(p cw.Project) int64 { return p.ID },
		func(ctx context.Context, p cw.Project) error {
			local, err := mapProject(p)
			if err != nil {
				return err
			}
			if err := r.engine.cache.UpsertProject(ctx, local); err != nil {
				return &RecordError{Entity: "project", ID: p.ID, Err: err}
			}
			return nil
		})
	r.apply(sr, res)
	return err
}

// syncServiceTickets pulls tickets the engineers own or work on from the
// in-scope boards, then the discovered tickets that also sit on one of those
// boards.
func (r *run) syncServiceTickets(ctx context.Context, sr *StageReport) error {
	opts := r.engine.opts
	primary, err := r.engine.remote.ListTickets(ctx, cw.TicketFilter{
		Engineers:     opts.Engineers,
		BoardNames:    opts.ServiceBoards,
		ModifiedSince: r.since,
	})
	if err != nil {
		return fmt.Errorf("fetching service tickets: %w", err)
	}

	have := NewIDSet()
	for _, t := range primary {
		have.Add(t.ID)
	}
	extras, _, err := fetchChunks(ctx, r, "tickets", r.discovered.Tickets.Minus(have).Sorted(),
		func(ctx context.Context, ids []int64) ([]cw.Ticket, error) {
			return r.engine.remote.ListTickets(ctx, cw.TicketFilter{IDs: ids})
		})
	if err != nil {
		return err
	}

	inScope := make(map[string]bool, len(opts.ServiceBoards))
	for _, name := range opts.ServiceBoards {
		inScope[strings.ToLower(strings.TrimSpace(name))] = true
	}
	all := primary
	outOfScope := 0
	for _, t := range extras {
		if inScope[strings.ToLower(t.Board.RefName())] {
			all = append(all, t)
		} else {
			outOfScope++
		}
	}
	if outOfScope > 0 {
		logger.Debug("sync: ignored %d discovered tickets outside the service boards", outOfScope)
	}

	sr.Fetched = len(primary) + len(extras)
	res, err := persistInBatches(ctx, cache.EntityTickets, all, opts.BatchSize,
		func(t cw.Ticket) int64 { return t.ID },
		func(ctx context.Context, t cw.Ticket) error {
			local, err := mapTicket(t)
			if err != nil {
				return err
			}
			if local.BoardID, err = r.resolveBoard(ctx, t.Board); err != nil {
				return &RecordError{Entity: "ticket", ID: t.ID, Err: err}
			}
			if err := r.engine.cache.UpsertTicket(ctx, local); err != nil {
				return &RecordError{Entity: "ticket", ID: t.ID, Err: err}
			}
			return nil
		})
	r.apply(sr, res)
	return err
}

// resolveBoard makes sure the ticket's board exists locally. Tickets without
// a board go to the default board.
func (r *run) resolveBoard(ctx context.Context, ref *cw.Reference) (int64, error) {
	id := ref.RefID()
	if id <= 0 {
		return r.engine.cache.DefaultBoardID(ctx)
	}
	name := ref.RefName()
	if name == "" {
		name = fmt.Sprintf("Board %d", id)
	}
	err := r.engine.cache.EnsureBoard(ctx, cache.Board{ID: id, Name: name, Type: classifyBoard(name)})
	return id, err
}

// syncProjectTickets pulls the tasks of every cached project. The stage fails
// only when no chunk could be fetched.
func (r *run) syncProjectTickets(ctx context.Context, sr *StageReport) error {
	projectIDs, err := r.engine.cache.ListProjectIDs(ctx)
	if err != nil {
		return err
	}

	tasks, failed, err := fetchChunks(ctx, r, "project tickets", projectIDs,
		func(ctx context.Context, ids []int64) ([]cw.ProjectTicket, error) {
			return r.engine.remote.ListProjectTickets(ctx, cw.ProjectTicketFilter{
				ProjectIDs:    ids,
				ModifiedSince: r.since,
			})
		})
	if err != nil {
		return err
	}
	if n := len(chunk(projectIDs, r.engine.opts.ChunkSize)); n > 0 && failed == n {
		return fmt.Errorf("fetching project tickets: all %d chunks failed", n)
	}

	sr.Fetched = len(tasks)
	res, err := persistInBatches(ctx, cache.EntityProjectTickets, tasks, r.engine.opts.BatchSize,
		func(t cw.ProjectTicket) int64 { return t.ID },
		func(ctx context.Context, t cw.ProjectTicket) error {
			local, err := mapProjectTicket(t)
			if err != nil {
				return err
			}
			if err := r.engine.cache.UpsertProjectTicket(ctx, local); err != nil {
				return &RecordError{Entity: "project ticket", ID: t.ID, Err: err}
			}
			return nil
		})
	r.apply(sr, res)
	return err
}

func (r *run) writeLedger(ctx context.Context, sr *StageReport) error {
	if err := r.recordCompleted(ctx); err != nil {
		return err
	}
	sr.Upserted = len(r.completed)
	return nil
}

// fetchChunks fetches ids in chunks of the configured size. A failed chunk is
// a warning; the error return is reserved for cancellation.
func fetchChunks[T any](ctx context.Context, r *run, what string, ids []int64,
	fetch func(context.Context, []int64) ([]T, error)) ([]T, int, error) {
	var out []T
	failed := 0
	for _, ids := range chunk(ids, r.engine.opts.ChunkSize) {
		items, err := fetch(ctx, ids)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out, failed, err
			}
			failed++
			r.lostChunks++
			r.warn("fetching %s %d-%d: %v", what, ids[0], ids[len(ids)-1], err)
			continue
		}
		out = append(out, items...)
	}
	return out, failed, nil
}
