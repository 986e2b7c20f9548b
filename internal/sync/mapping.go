package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JohanCodinha/mspsync/internal/cache"
	"github.com/JohanCodinha/mspsync/internal/cw"
)

// Wire-to-local mapping, one function per collection. Mapping failures are
// per-record and surface as *RecordError.

var errMissingMember = errors.New("missing member reference")

// classifyBoard derives a board's type from its name.
func classifyBoard(name string) string {
	if strings.Contains(name, "MS") {
		return cache.BoardManagedServices
	}
	return cache.BoardProfessionalServices
}

// parseTime parses an API timestamp. Empty strings are absent values.
func parseTime(field string, s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", field, *s)
	}
	t = t.UTC()
	return &t, nil
}

func lastUpdated(info *cw.Info) (*time.Time, error) {
	if info == nil {
		return nil, nil
	}
	return parseTime("lastUpdated", &info.LastUpdated)
}

func mapMember(m cw.Member) (cache.Member, error) {
	updated, err := lastUpdated(m.Info)
	if err != nil {
		return cache.Member{}, &RecordError{Entity: "member", ID: m.ID, Err: err}
	}
	return cache.Member{
		ID:          m.ID,
		Identifier:  m.Identifier,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		Email:       m.PrimaryEmail,
		Inactive:    m.InactiveFlag,
		LastUpdated: updated,
	}, nil
}

func mapBoard(b cw.Board) cache.Board {
	return cache.Board{
		ID:       b.ID,
		Name:     b.Name,
		Type:     classifyBoard(b.Name),
		Inactive: b.InactiveFlag,
	}
}

// mapTimeEntry maps an entry. Ticket and project references are resolved the
// same way discovery resolves them.
func mapTimeEntry(e cw.TimeEntry) (cache.TimeEntry, error) {
	fail := func(err error) (cache.TimeEntry, error) {
		return cache.TimeEntry{}, &RecordError{Entity: "time entry", ID: e.ID, Err: err}
	}

	if e.Member == nil || e.Member.ID <= 0 {
		return fail(errMissingMember)
	}
	start, err := parseTime("timeStart", &e.TimeStart)
	if err != nil {
		return fail(err)
	}
	if start == nil {
		return fail(errors.New("missing timeStart"))
	}
	end, err := parseTime("timeEnd", e.TimeEnd)
	if err != nil {
		return fail(err)
	}
	updated, err := lastUpdated(e.Info)
	if err != nil {
		return fail(err)
	}

	out := cache.TimeEntry{
		ID:            e.ID,
		MemberID:      e.Member.ID,
		Billable:      e.BillableOption,
		Notes:         e.Notes,
		InternalNotes: e.InternalNotes,
		TimeStart:     *start,
		TimeEnd:       end,
		LastUpdated:   updated,
	}
	if e.ActualHours != nil {
		out.Hours = *e.ActualHours
	}
	if id, ok := ticketRef(&e); ok {
		out.TicketID = &id
	}
	if id, ok := projectRef(&e); ok {
		out.ProjectID = &id
	}
	return out, nil
}

// mapTicket maps a service ticket. BoardID is left for the caller to resolve
// when the ticket carries no board.
func mapTicket(t cw.Ticket) (cache.Ticket, error) {
	fail := func(err error) (cache.Ticket, error) {
		return cache.Ticket{}, &RecordError{Entity: "ticket", ID: t.ID, Err: err}
	}

	entered, err := parseTime("dateEntered", t.DateEntered)
	if err != nil {
		return fail(err)
	}
	resolved, err := parseTime("dateResolved", t.DateResolved)
	if err != nil {
		return fail(err)
	}
	closed, err := parseTime("closedDate", t.ClosedDate)
	if err != nil {
		return fail(err)
	}
	updated, err := lastUpdated(t.Info)
	if err != nil {
		return fail(err)
	}
	if entered == nil && t.Info != nil {
		if entered, err = parseTime("_info.dateEntered", &t.Info.DateEntered); err != nil {
			return fail(err)
		}
	}

	return cache.Ticket{
		ID:           t.ID,
		Summary:      t.Summary,
		BoardID:      t.Board.RefID(),
		Status:       t.Status.RefName(),
		Company:      t.Company.RefName(),
		Type:         t.Type.RefName(),
		Priority:     t.Priority.RefName(),
		Owner:        t.Owner.RefIdentifier(),
		Resources:    t.Resources,
		Closed:       t.ClosedFlag,
		DateEntered:  entered,
		DateResolved: resolved,
		ClosedDate:   closed,
		BudgetHours:  t.BudgetHours,
		ActualHours:  t.ActualHours,
		LastUpdated:  updated,
	}, nil
}

func mapProject(p cw.Project) (cache.Project, error) {
	out := cache.Project{
		ID:                p.ID,
		Name:              p.Name,
		Status:            p.Status.RefName(),
		Company:           p.Company.RefName(),
		ManagerIdentifier: p.Manager.RefIdentifier(),
		ManagerName:       p.Manager.RefName(),
		BoardName:         p.Board.RefName(),
		Type:              p.Type.RefName(),
		EstimatedHours:    p.EstimatedHours,
		ActualHours:       p.ActualHours,
		PercentComplete:   p.PercentComplete,
		Closed:            p.ClosedFlag,
		Description:       p.Description,
	}

	var err error
	for _, f := range []struct {
		name string
		src  *string
		dst  **time.Time
	}{
		{"estimatedStart", p.EstimatedStart, &out.EstimatedStart},
		{"estimatedEnd", p.EstimatedEnd, &out.EstimatedEnd},
		{"actualStart", p.ActualStart, &out.ActualStart},
		{"actualEnd", p.ActualEnd, &out.ActualEnd},
	} {
		if *f.dst, err = parseTime(f.name, f.src); err != nil {
			return cache.Project{}, &RecordError{Entity: "project", ID: p.ID, Err: err}
		}
	}
	if out.LastUpdated, err = lastUpdated(p.Info); err != nil {
		return cache.Project{}, &RecordError{Entity: "project", ID: p.ID, Err: err}
	}
	return out, nil
}

func mapProjectTicket(t cw.ProjectTicket) (cache.ProjectTicket, error) {
	fail := func(err error) (cache.ProjectTicket, error) {
		return cache.ProjectTicket{}, &RecordError{Entity: "project ticket", ID: t.ID, Err: err}
	}

	if t.Project == nil || t.Project.ID <= 0 {
		return fail(errors.New("missing project reference"))
	}
	closed, err := parseTime("closedDate", t.ClosedDate)
	if err != nil {
		return fail(err)
	}
	updated, err := lastUpdated(t.Info)
	if err != nil {
		return fail(err)
	}
	var entered *time.Time
	if t.Info != nil {
		if entered, err = parseTime("_info.dateEntered", &t.Info.DateEntered); err != nil {
			return fail(err)
		}
	}

	out := cache.ProjectTicket{
		ID:          t.ID,
		ProjectID:   t.Project.ID,
		Summary:     t.Summary,
		ProjectName: t.Project.Name,
		PhaseName:   t.Phase.RefName(),
		BoardName:   t.Board.RefName(),
		Status:      t.Status.RefName(),
		Company:     t.Company.RefName(),
		Resources:   t.Resources,
		Closed:      t.ClosedFlag,
		Priority:    t.Priority.RefName(),
		Type:        t.Type.RefName(),
		WBSCode:     t.WBSCode,
		BudgetHours: t.BudgetHours,
		ActualHours: t.ActualHours,
		DateEntered: entered,
		ClosedDate:  closed,
		LastUpdated: updated,
	}
	if id := t.Board.RefID(); id > 0 {
		out.BoardID = &id
	}
	return out, nil
}
