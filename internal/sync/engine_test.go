package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohanCodinha/mspsync/internal/cache"
	"github.com/JohanCodinha/mspsync/internal/cw"
	"github.com/JohanCodinha/mspsync/internal/metrics"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func createTestDB(t *testing.T) *cache.DB {
	t.Helper()
	db, err := cache.InitDB(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testOptions() Options {
	return Options{
		Engineers:     []string{"eng1", "eng2"},
		ServiceBoards: []string{"Service MS", "Help MS"},
		Lookback:      90 * 24 * time.Hour,
		ChunkSize:     50,
		BatchSize:     50,
		Now:           func() time.Time { return testNow },
	}
}

// ============================================================================
// Fixtures
// ============================================================================

func testMember(id int64, identifier string, inactive bool) cw.Member {
	return cw.Member{
		ID:           id,
		Identifier:   identifier,
		FirstName:    strings.ToUpper(identifier[:1]) + identifier[1:],
		InactiveFlag: inactive,
		Info:         &cw.Info{LastUpdated: stamp(testNow.Add(-48 * time.Hour))},
	}
}

func testEntry(id, memberID int64) cw.TimeEntry {
	start := testNow.Add(-time.Duration(id) * time.Hour)
	return cw.TimeEntry{
		ID:          id,
		Member:      &cw.Reference{ID: memberID},
		ActualHours: ptr(1.0),
		TimeStart:   stamp(start),
		TimeEnd:     ptr(stamp(start.Add(time.Hour))),
		Info:        &cw.Info{LastUpdated: stamp(start.Add(time.Hour))},
	}
}

func testTicket(id int64, board *cw.Reference, owner string) cw.Ticket {
	return cw.Ticket{
		ID:      id,
		Summary: fmt.Sprintf("Ticket %d", id),
		Board:   board,
		Status:  &cw.Reference{Name: "New"},
		Owner:   &cw.Reference{Identifier: owner},
		Info:    &cw.Info{DateEntered: stamp(testNow.Add(-72 * time.Hour)), LastUpdated: stamp(testNow.Add(-24 * time.Hour))},
	}
}

func testProject(id int64, manager string) cw.Project {
	return cw.Project{
		ID:      id,
		Name:    fmt.Sprintf("Project %d", id),
		Manager: &cw.Reference{Identifier: manager},
		Info:    &cw.Info{LastUpdated: stamp(testNow.Add(-24 * time.Hour))},
	}
}

func testTask(id, projectID int64) cw.ProjectTicket {
	return cw.ProjectTicket{
		ID:      id,
		Summary: fmt.Sprintf("Task %d", id),
		Project: &cw.Reference{ID: projectID, Name: fmt.Sprintf("Project %d", projectID)},
		Info:    &cw.Info{LastUpdated: stamp(testNow.Add(-24 * time.Hour))},
	}
}

var (
	serviceBoard = &cw.Reference{ID: 1, Name: "Service MS"}
	projectBoard = &cw.Reference{ID: 2, Name: "Projects"}
	helpBoard    = &cw.Reference{ID: 7, Name: "Help MS"}
)

// seedScenario loads a mock with a small but complete tenant:
//   - eng1 active and allowed, eng2 inactive and allowed, eng3 active and not allowed
//   - entries logged by eng1 against tickets 100 and 101 and project 500
//   - ticket 101 sits on a board outside the service boards
//   - ticket 102 sits on a board the boards endpoint does not return
func seedScenario(m *cw.MockServer) {
	m.Add(cw.PathMembers,
		testMember(1, "eng1", false),
		testMember(2, "eng2", true),
		testMember(3, "eng3", false),
	)
	m.Add(cw.PathBoards,
		cw.Board{ID: 1, Name: "Service MS"},
		cw.Board{ID: 2, Name: "Projects"},
	)

	e1 := testEntry(1, 1)
	e1.Ticket = &cw.Reference{ID: 100}
	e2 := testEntry(2, 1)
	e2.ChargeToType = cw.ChargeToServiceTicket
	e2.ChargeToID = ptr[int64](101)
	e3 := testEntry(3, 1)
	e3.Project = &cw.Reference{ID: 500}
	e4 := testEntry(4, 3)
	e4.Ticket = &cw.Reference{ID: 103}
	m.Add(cw.PathTimeEntries, e1, e2, e3, e4)

	m.Add(cw.PathTickets,
		testTicket(100, serviceBoard, "eng1"),
		testTicket(101, projectBoard, "someone"),
		testTicket(102, helpBoard, "eng1"),
		testTicket(103, serviceBoard, "eng3"),
	)
	m.Add(cw.PathProjects,
		testProject(500, "pm"),
		testProject(501, "eng1"),
		testProject(502, "pm"),
	)
	m.Add(cw.PathProjectTickets,
		testTask(900, 500),
		testTask(901, 501),
		testTask(902, 502),
	)
}

// setupTestEngine creates an engine against a mock API and a fresh cache.
func setupTestEngine(t *testing.T) (*Engine, *cache.DB, *cw.MockServer) {
	t.Helper()

	mock := cw.NewMockServer()
	t.Cleanup(mock.Close)

	client, err := cw.New(mock.Options())
	require.NoError(t, err)

	db := createTestDB(t)
	gate := NewGate(db, testPolicy)
	gate.now = func() time.Time { return testNow }

	return NewEngine(db, client, gate, testOptions()), db, mock
}

var fullPlan = Plan{Allowed: true, Mode: ModeFull}

// ============================================================================
// Pipeline tests against the mock API
// ============================================================================

// TestRun_FullPipeline tests a complete run: member selection, placeholders
// for referenced records, board scoping and the ledger
func TestRun_FullPipeline(t *testing.T) {
	engine, db, mock := setupTestEngine(t)
	seedScenario(mock)
	ctx := context.Background()

	report, err := engine.Run(ctx, fullPlan)
	require.NoError(t, err)
	require.False(t, report.Failed())
	assert.Len(t, report.Stages, 8)
	assert.Equal(t, ModeFull, report.Mode)
	assert.NotEmpty(t, report.RunID)

	// Only the active, allowed member is stored.
	members, err := db.ListMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "eng1", members[0].Identifier)

	// eng3's entry is never fetched.
	n, err := db.CountTimeEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	entry, err := db.GetTimeEntry(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Ticket 100 is owned by eng1 on a service board.
	ticket, err := db.GetTicket(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.False(t, ticket.Placeholder)
	assert.Equal(t, "Ticket 100", ticket.Summary)

	// Ticket 101 was discovered but is on an out-of-scope board, so it stays
	// a placeholder that keeps entry 2's foreign key valid.
	ticket, err = db.GetTicket(ctx, 101)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.True(t, ticket.Placeholder)
	assert.Equal(t, cache.PlaceholderSummary, ticket.Summary)

	// Ticket 102's board is created from the ticket's own reference.
	ticket, err = db.GetTicket(ctx, 102)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, int64(7), ticket.BoardID)
	board, err := db.GetBoard(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, board)
	assert.True(t, board.Placeholder)
	assert.Equal(t, cache.BoardManagedServices, board.Type)

	// Project 500 came in through discovery, 501 as managed by eng1.
	for _, id := range []int64{500, 501} {
		p, err := db.GetProject(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, p, "project %d", id)
		assert.False(t, p.Placeholder)
	}
	p, err := db.GetProject(ctx, 502)
	require.NoError(t, err)
	assert.Nil(t, p)

	// Tasks are pulled for cached projects only.
	n, err = db.CountProjectTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, entity := range cache.Entities {
		log, err := db.GetSyncLog(ctx, entity)
		require.NoError(t, err)
		require.NotNil(t, log, entity)
		assert.Equal(t, cache.SyncSuccess, log.Status)
		require.NotNil(t, log.LastSyncAt)
		assert.True(t, log.LastSyncAt.Equal(testNow), "%s synced at %s", entity, log.LastSyncAt)
		assert.Equal(t, report.RunID, log.RunID)
	}
}

// TestRun_Idempotent tests that running the same full sync twice leaves the
// cache in the same state
func TestRun_Idempotent(t *testing.T) {
	engine, db, mock := setupTestEngine(t)
	seedScenario(mock)
	ctx := context.Background()

	counts := func() []int {
		var out []int
		for _, f := range []func(context.Context) (int, error){
			db.CountMembers, db.CountBoards, db.CountTimeEntries,
			db.CountTickets, db.CountProjects, db.CountProjectTickets,
			db.CountPlaceholderTickets,
		} {
			n, err := f(ctx)
			require.NoError(t, err)
			out = append(out, n)
		}
		return out
	}

	_, err := engine.Run(ctx, fullPlan)
	require.NoError(t, err)
	first := counts()

	_, err = engine.Run(ctx, fullPlan)
	require.NoError(t, err)
	assert.Equal(t, first, counts())
}

// TestRun_ReferencedRecordsNeverViolateForeignKeys tests that entries
// referencing records the API will not return are still stored
func TestRun_ReferencedRecordsNeverViolateForeignKeys(t *testing.T) {
	engine, db, mock := setupTestEngine(t)
	ctx := context.Background()

	mock.Add(cw.PathMembers, testMember(1, "eng1", false))
	e1 := testEntry(1, 1)
	e1.TicketID = ptr[int64](4242)
	e2 := testEntry(2, 1)
	e2.ProjectID = ptr[int64](777)
	mock.Add(cw.PathTimeEntries, e1, e2)

	report, err := engine.Run(ctx, fullPlan)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Stage(StageTimeEntries).Upserted)

	// No boards at all: the placeholder ticket lands on the synthesized board.
	ticket, err := db.GetTicket(ctx, 4242)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, cache.UnassignedBoardID, ticket.BoardID)

	project, err := db.GetProject(ctx, 777)
	require.NoError(t, err)
	require.NotNil(t, project)
	assert.True(t, project.Placeholder)
}

// TestRun_MalformedRecordIsSkipped tests that one bad record out of 50 is
// skipped with a single warning and the run carries on
func TestRun_MalformedRecordIsSkipped(t *testing.T) {
	engine, db, mock := setupTestEngine(t)
	ctx := context.Background()

	mock.Add(cw.PathMembers, testMember(1, "eng1", false))
	for id := int64(1); id <= 50; id++ {
		e := testEntry(id, 1)
		if id == 27 {
			e.TimeEnd = ptr("half past lunch")
		}
		mock.Add(cw.PathTimeEntries, e)
	}

	report, err := engine.Run(ctx, fullPlan)
	require.NoError(t, err)

	stage := report.Stage(StageTimeEntries)
	require.NotNil(t, stage)
	assert.Equal(t, 50, stage.Fetched)
	assert.Equal(t, 49, stage.Upserted)
	assert.Equal(t, 1, stage.Skipped)

	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "time entry 27")

	n, err := db.CountTimeEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 49, n)

	log, err := db.GetSyncLog(ctx, cache.EntityProjectTickets)
	require.NoError(t, err)
	require.NotNil(t, log, "later stages still run")
}

// TestRun_PrimaryQueryFailureAbortsRun tests that a failed primary query stops
// the run, keeps earlier writes and records the failure in the ledger
func TestRun_PrimaryQueryFailureAbortsRun(t *testing.T) {
	engine, db, mock := setupTestEngine(t)
	seedScenario(mock)
	ctx := context.Background()

	earlier := testNow.Add(-48 * time.Hour)
	require.NoError(t, db.RecordSyncSuccess(ctx, cache.EntityTickets, 12, "previous", earlier))
	mock.FailPage(cw.PathTickets, 1, http.StatusInternalServerError, -1)

	failuresBefore := testutil.ToFloat64(metrics.StageRuns.WithLabelValues(StageServiceTickets, "error"))

	report, err := engine.Run(ctx, fullPlan)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageServiceTickets, stageErr.Stage)

	require.NotNil(t, report)
	assert.True(t, report.Failed())
	last := report.Stages[len(report.Stages)-1]
	assert.Equal(t, StageServiceTickets, last.Stage)
	assert.NotEmpty(t, last.Error)
	assert.Nil(t, report.Stage(StageProjectTickets))

	assert.Equal(t, failuresBefore+1,
		testutil.ToFloat64(metrics.StageRuns.WithLabelValues(StageServiceTickets, "error")))

	// Earlier stages committed.
	n, err := db.CountProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, entity := range []string{cache.EntityMembers, cache.EntityBoards, cache.EntityTimeEntries, cache.EntityProjects} {
		log, err := db.GetSyncLog(ctx, entity)
		require.NoError(t, err)
		require.NotNil(t, log, entity)
		assert.Equal(t, cache.SyncSuccess, log.Status, entity)
	}

	log, err := db.GetSyncLog(ctx, cache.EntityTickets)
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, cache.SyncFailure, log.Status)
	assert.NotEmpty(t, log.ErrorMessage)
	require.NotNil(t, log.LastSyncAt)
	assert.True(t, log.LastSyncAt.Equal(earlier), "failure keeps the previous watermark")

	log, err = db.GetSyncLog(ctx, cache.EntityProjectTickets)
	require.NoError(t, err)
	assert.Nil(t, log, "stages after the failure write nothing")
}

// TestRun_LaterPageFailureKeepsWatermark tests that a page lost after the
// first one marks the stage partial and leaves the previous watermark, so the
// next incremental run asks for the missing entries again
func TestRun_LaterPageFailureKeepsWatermark(t *testing.T) {
	mock := cw.NewMockServer()
	t.Cleanup(mock.Close)

	opts := mock.Options()
	opts.PageSize = 2
	client, err := cw.New(opts)
	require.NoError(t, err)

	db := createTestDB(t)
	gate := NewGate(db, testPolicy)
	gate.now = func() time.Time { return testNow }
	engine := NewEngine(db, client, gate, testOptions())
	ctx := context.Background()

	mock.Add(cw.PathMembers, testMember(1, "eng1", false))
	mock.Add(cw.PathBoards, cw.Board{ID: 1, Name: "Service MS"})
	for id := int64(1); id <= 5; id++ {
		mock.Add(cw.PathTimeEntries, testEntry(id, 1))
	}
	mock.FailPage(cw.PathTimeEntries, 2, http.StatusInternalServerError, -1)

	earlier := testNow.Add(-48 * time.Hour)
	require.NoError(t, db.RecordSyncSuccess(ctx, cache.EntityTimeEntries, 5, "previous", earlier))

	report, err := engine.Run(ctx, fullPlan)
	require.NoError(t, err)
	assert.True(t, report.Partial())
	assert.False(t, report.Failed())

	entries := report.Stage(StageTimeEntries)
	require.NotNil(t, entries)
	assert.True(t, entries.Partial)
	assert.Equal(t, 2, entries.Upserted)
	assert.False(t, report.Stage(StageMembers).Partial)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "page 2")

	log, err := db.GetSyncLog(ctx, cache.EntityTimeEntries)
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, cache.SyncPartial, log.Status)
	assert.Equal(t, report.RunID, log.RunID)
	assert.NotEmpty(t, log.ErrorMessage)
	require.NotNil(t, log.LastSyncAt)
	assert.True(t, log.LastSyncAt.Equal(earlier), "partial stage keeps the previous watermark")

	members, err := db.GetSyncLog(ctx, cache.EntityMembers)
	require.NoError(t, err)
	require.NotNil(t, members)
	assert.Equal(t, cache.SyncSuccess, members.Status)

	// Past the minimum interval the next run starts from before the lost page.
	gate.now = func() time.Time { return testNow.Add(time.Hour) }
	plan, err := gate.PlanRun(ctx)
	require.NoError(t, err)
	assert.True(t, plan.Allowed)
	assert.Equal(t, ModeIncremental, plan.Mode)
	assert.True(t, plan.Since.Equal(earlier), "since = %s", plan.Since)
}

// ============================================================================
// Gate integration
// ============================================================================

// TestSyncIfDue_RefusedMakesNoRequests tests that a refused run never
// touches the network
func TestSyncIfDue_RefusedMakesNoRequests(t *testing.T) {
	engine, db, mock := setupTestEngine(t)
	seedScenario(mock)
	ctx := context.Background()

	for _, entity := range cache.Entities {
		require.NoError(t, db.RecordSyncSuccess(ctx, entity, 1, "previous", testNow.Add(-time.Minute)))
	}

	report, err := engine.SyncIfDue(ctx, true)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrSyncRefused)

	for _, path := range []string{cw.PathMembers, cw.PathBoards, cw.PathTimeEntries, cw.PathTickets, cw.PathProjects, cw.PathProjectTickets} {
		assert.Empty(t, mock.Requests(path), path)
	}
	assert.Zero(t, mock.Probes())
}

// TestSyncIfDue_SecondRunIsRefused tests that a successful run arms the
// minimum interval
func TestSyncIfDue_SecondRunIsRefused(t *testing.T) {
	engine, _, mock := setupTestEngine(t)
	seedScenario(mock)
	ctx := context.Background()

	report, err := engine.SyncIfDue(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, report.Mode)

	_, err = engine.SyncIfDue(ctx, false)
	assert.ErrorIs(t, err, ErrSyncRefused)
}

// TestSyncIfDue_IncrementalUsesWatermark tests that an incremental run asks
// only for records modified since the oldest sync
func TestSyncIfDue_IncrementalUsesWatermark(t *testing.T) {
	engine, db, mock := setupTestEngine(t)
	seedScenario(mock)
	ctx := context.Background()

	watermark := testNow.Add(-6 * time.Hour)
	for _, entity := range cache.Entities {
		require.NoError(t, db.RecordSyncSuccess(ctx, entity, 1, "previous", watermark))
	}

	report, err := engine.SyncIfDue(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, report.Mode)
	assert.True(t, report.Since.Equal(watermark))

	since := "[" + stamp(watermark) + "]"
	for _, path := range []string{cw.PathTimeEntries, cw.PathProjects} {
		reqs := mock.Requests(path)
		require.NotEmpty(t, reqs, path)
		assert.Contains(t, reqs[0].Query.Get("conditions"), since, path)
	}
	for _, path := range []string{cw.PathMembers, cw.PathBoards} {
		reqs := mock.Requests(path)
		require.NotEmpty(t, reqs, path)
		assert.NotContains(t, reqs[0].Query.Get("conditions"), "lastUpdated", path)
	}

	// Entries were logged up to 4h ago, only those after the watermark qualify.
	stage := report.Stage(StageTimeEntries)
	require.NotNil(t, stage)
	assert.Equal(t, 3, stage.Fetched)
}

// ============================================================================
// Fake remote tests
// ============================================================================

// fakeRemote serves fixed collections from memory and records the filters it
// was called with.
type fakeRemote struct {
	mu       gosync.Mutex
	members  []cw.Member
	boards   []cw.Board
	entries  []cw.TimeEntry
	tickets  []cw.Ticket
	projects []cw.Project
	tasks    []cw.ProjectTicket
	warnings []error

	ticketErr func(cw.TicketFilter) error
	taskErr   func(cw.ProjectTicketFilter) error

	entryFilters  []cw.TimeEntryFilter
	ticketFilters []cw.TicketFilter
}

func (f *fakeRemote) ListMembers(context.Context, cw.MemberFilter) ([]cw.Member, error) {
	return f.members, nil
}

func (f *fakeRemote) ListBoards(context.Context, cw.BoardFilter) ([]cw.Board, error) {
	return f.boards, nil
}

func (f *fakeRemote) ListTimeEntries(_ context.Context, filter cw.TimeEntryFilter) ([]cw.TimeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entryFilters = append(f.entryFilters, filter)
	return f.entries, nil
}

func (f *fakeRemote) ListTickets(_ context.Context, filter cw.TicketFilter) ([]cw.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticketFilters = append(f.ticketFilters, filter)
	if f.ticketErr != nil {
		if err := f.ticketErr(filter); err != nil {
			return nil, err
		}
	}
	if len(filter.IDs) == 0 {
		return f.tickets, nil
	}
	var out []cw.Ticket
	for _, t := range f.tickets {
		if slices.Contains(filter.IDs, t.ID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRemote) ListProjects(_ context.Context, filter cw.ProjectFilter) ([]cw.Project, error) {
	var out []cw.Project
	for _, p := range f.projects {
		if len(filter.IDs) == 0 || slices.Contains(filter.IDs, p.ID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRemote) ListProjectTickets(_ context.Context, filter cw.ProjectTicketFilter) ([]cw.ProjectTicket, error) {
	if f.taskErr != nil {
		if err := f.taskErr(filter); err != nil {
			return nil, err
		}
	}
	var out []cw.ProjectTicket
	for _, t := range f.tasks {
		if slices.Contains(filter.ProjectIDs, t.Project.ID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRemote) Warnings() []error {
	return f.warnings
}

func newFakeRemote() *fakeRemote {
	e1 := testEntry(1, 1)
	e1.Ticket = &cw.Reference{ID: 100}
	e2 := testEntry(2, 1)
	e2.Project = &cw.Reference{ID: 500}

	return &fakeRemote{
		members:  []cw.Member{testMember(1, "ENG1", false)},
		boards:   []cw.Board{{ID: 1, Name: "Service MS"}},
		entries:  []cw.TimeEntry{e1, e2},
		tickets:  []cw.Ticket{testTicket(100, serviceBoard, "eng1")},
		projects: []cw.Project{testProject(500, "eng1"), testProject(501, "eng1")},
		tasks:    []cw.ProjectTicket{testTask(900, 500), testTask(901, 501)},
	}
}

func setupFakeEngine(t *testing.T, remote *fakeRemote, policy Policy) (*Engine, *cache.DB) {
	t.Helper()
	db := createTestDB(t)
	gate := NewGate(db, policy)
	gate.now = func() time.Time { return testNow }
	return NewEngine(db, remote, gate, testOptions()), db
}

// TestRun_AllowListIsCaseInsensitive tests member selection ignores case
func TestRun_AllowListIsCaseInsensitive(t *testing.T) {
	remote := newFakeRemote()
	engine, db := setupFakeEngine(t, remote, testPolicy)

	_, err := engine.Run(context.Background(), fullPlan)
	require.NoError(t, err)

	m, err := db.GetMember(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ENG1", m.Identifier)

	require.Len(t, remote.entryFilters, 1)
	assert.Equal(t, []int64{1}, remote.entryFilters[0].MemberIDs)
	assert.Equal(t, testNow.Add(-90*24*time.Hour), remote.entryFilters[0].From)
	assert.True(t, remote.entryFilters[0].ModifiedSince.IsZero())
}

// TestSyncIfDue_FallsBackToFull tests that a failed incremental run is retried
// once in full mode when the policy allows it
func TestSyncIfDue_FallsBackToFull(t *testing.T) {
	remote := newFakeRemote()
	remote.ticketErr = func(f cw.TicketFilter) error {
		if !f.ModifiedSince.IsZero() {
			return errors.New("condition rejected")
		}
		return nil
	}
	engine, db := setupFakeEngine(t, remote, testPolicy)
	ctx := context.Background()

	for _, entity := range cache.Entities {
		require.NoError(t, db.RecordSyncSuccess(ctx, entity, 1, "previous", testNow.Add(-time.Hour)))
	}

	report, err := engine.SyncIfDue(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.FellBack)
	assert.Equal(t, ModeFull, report.Mode)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "condition rejected")

	log, err := db.GetSyncLog(ctx, cache.EntityTickets)
	require.NoError(t, err)
	assert.Equal(t, cache.SyncSuccess, log.Status)
	assert.Equal(t, report.RunID, log.RunID)
}

// TestSyncIfDue_NoFallback tests that without fallback an incremental
// failure is terminal
func TestSyncIfDue_NoFallback(t *testing.T) {
	remote := newFakeRemote()
	remote.ticketErr = func(f cw.TicketFilter) error {
		if !f.ModifiedSince.IsZero() {
			return errors.New("condition rejected")
		}
		return nil
	}
	policy := testPolicy
	policy.AllowFullFallback = false
	engine, db := setupFakeEngine(t, remote, policy)
	ctx := context.Background()

	for _, entity := range cache.Entities {
		require.NoError(t, db.RecordSyncSuccess(ctx, entity, 1, "previous", testNow.Add(-time.Hour)))
	}

	report, err := engine.SyncIfDue(ctx, false)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageServiceTickets, stageErr.Stage)
	assert.False(t, report.FellBack)
	assert.Equal(t, ModeIncremental, report.Mode)
}

// TestSyncIfDue_ForceFull tests that forceFull drops the watermark
func TestSyncIfDue_ForceFull(t *testing.T) {
	remote := newFakeRemote()
	engine, db := setupFakeEngine(t, remote, testPolicy)
	ctx := context.Background()

	for _, entity := range cache.Entities {
		require.NoError(t, db.RecordSyncSuccess(ctx, entity, 1, "previous", testNow.Add(-time.Hour)))
	}

	report, err := engine.SyncIfDue(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, report.Mode)
	for _, f := range remote.ticketFilters {
		assert.True(t, f.ModifiedSince.IsZero())
	}
}

// TestRun_ProjectTicketChunks tests that one failed chunk is a warning and
// all chunks failing fails the stage
func TestRun_ProjectTicketChunks(t *testing.T) {
	t.Run("one chunk fails", func(t *testing.T) {
		remote := newFakeRemote()
		remote.taskErr = func(f cw.ProjectTicketFilter) error {
			if slices.Contains(f.ProjectIDs, 500) {
				return errors.New("gateway timeout")
			}
			return nil
		}
		engine, db := setupFakeEngine(t, remote, testPolicy)
		engine.opts.ChunkSize = 1

		report, err := engine.Run(context.Background(), fullPlan)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Stage(StageProjectTickets).Upserted)
		assert.True(t, report.Stage(StageProjectTickets).Partial)
		assert.False(t, report.Stage(StageProjects).Partial)
		require.Len(t, report.Warnings, 1)
		assert.Contains(t, report.Warnings[0], "gateway timeout")

		task, err := db.GetProjectTicket(context.Background(), 901)
		require.NoError(t, err)
		assert.NotNil(t, task)

		log, err := db.GetSyncLog(context.Background(), cache.EntityProjectTickets)
		require.NoError(t, err)
		require.NotNil(t, log)
		assert.Equal(t, cache.SyncPartial, log.Status)
		assert.Nil(t, log.LastSyncAt, "a partial first sync has no watermark")
	})

	t.Run("every chunk fails", func(t *testing.T) {
		remote := newFakeRemote()
		remote.taskErr = func(cw.ProjectTicketFilter) error {
			return errors.New("gateway timeout")
		}
		engine, _ := setupFakeEngine(t, remote, testPolicy)
		engine.opts.ChunkSize = 1

		_, err := engine.Run(context.Background(), fullPlan)
		var stageErr *StageError
		require.True(t, errors.As(err, &stageErr))
		assert.Equal(t, StageProjectTickets, stageErr.Stage)
	})
}

// TestRun_RemoteWarningsAreReported tests that non-fatal client warnings end
// up in the report
func TestRun_RemoteWarningsAreReported(t *testing.T) {
	remote := newFakeRemote()
	remote.warnings = []error{errors.New("stale warning")}
	engine, _ := setupFakeEngine(t, remote, testPolicy)

	remote.ticketErr = func(cw.TicketFilter) error {
		remote.warnings = append(remote.warnings, errors.New("page 3 of /service/tickets failed"))
		return nil
	}

	report, err := engine.Run(context.Background(), fullPlan)
	require.NoError(t, err)
	assert.NotContains(t, report.Warnings, "stale warning")
	assert.Contains(t, report.Warnings, "page 3 of /service/tickets failed")
	assert.True(t, report.Stage(StageServiceTickets).Partial)
	assert.False(t, report.Stage(StageMembers).Partial, "warnings from before the run do not count")
}

// TestRun_CanceledContext tests that cancellation aborts at the first stage
func TestRun_CanceledContext(t *testing.T) {
	engine, db := setupFakeEngine(t, newFakeRemote(), testPolicy)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := engine.Run(ctx, fullPlan)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Len(t, report.Stages, 1)

	log, err := db.GetSyncLog(context.Background(), cache.EntityMembers)
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, cache.SyncFailure, log.Status)
}
