package cw

import (
	"context"
	"time"
)

// Collection paths under the API root.
const (
	PathMembers        = "/system/members"
	PathBoards         = "/service/boards"
	PathTimeEntries    = "/time/entries"
	PathTickets        = "/service/tickets"
	PathProjects       = "/project/projects"
	PathProjectTickets = "/project/tickets"
)

// Field projections: only what the local schema stores.
var (
	memberFields = []string{"id", "identifier", "firstName", "lastName", "primaryEmail", "inactiveFlag", "_info/lastUpdated"}
	boardFields  = []string{"id", "name", "inactiveFlag", "_info/lastUpdated"}
	entryFields  = []string{
		"id", "member/id", "member/identifier", "ticket/id", "project/id", "ticketId", "projectId",
		"chargeToId", "chargeToType", "actualHours", "billableOption", "notes", "internalNotes",
		"timeStart", "timeEnd", "_info/lastUpdated",
	}
	ticketFields = []string{
		"id", "summary", "board/id", "board/name", "status/name", "company/name", "type/name",
		"priority/name", "owner/identifier", "resources", "closedFlag", "dateEntered", "dateResolved",
		"closedDate", "budgetHours", "actualHours", "_info/lastUpdated",
	}
	projectFields = []string{
		"id", "name", "status/name", "company/name", "manager/identifier", "manager/name", "board/name",
		"type/name", "estimatedStart", "estimatedEnd", "actualStart", "actualEnd", "estimatedHours",
		"actualHours", "percentComplete", "closedFlag", "description", "_info/lastUpdated",
	}
	projectTicketFields = []string{
		"id", "summary", "project/id", "project/name", "phase/name", "board/id", "board/name",
		"status/name", "company/name", "priority/name", "type/name", "resources", "closedFlag",
		"wbsCode", "budgetHours", "actualHours", "closedDate", "_info/dateEntered", "_info/lastUpdated",
	}
)

// MemberFilter selects members.
type MemberFilter struct {
	ActiveOnly    bool
	Identifiers   []string
	ModifiedSince time.Time
}

// BoardFilter selects service boards.
type BoardFilter struct {
	Names         []string
	ModifiedSince time.Time
}

// TimeEntryFilter selects time entries logged by MemberIDs with a start
// time in [From, To). Zero bounds are open.
type TimeEntryFilter struct {
	MemberIDs     []int64
	From          time.Time
	To            time.Time
	ModifiedSince time.Time
}

// TicketFilter selects service tickets. Engineers matches a ticket when the
// identifier is its owner or appears anywhere in its resources list.
type TicketFilter struct {
	IDs           []int64
	Engineers     []string
	BoardNames    []string
	ModifiedSince time.Time
}

// ProjectFilter selects projects by id and/or manager identifier.
type ProjectFilter struct {
	IDs           []int64
	Managers      []string
	ModifiedSince time.Time
}

// ProjectTicketFilter selects project tasks.
type ProjectTicketFilter struct {
	ProjectIDs    []int64
	IDs           []int64
	ModifiedSince time.Time
}

// modifiedSince is ANDed onto every other active condition, never replacing it.
func modifiedSince(t time.Time) Cond {
	if t.IsZero() {
		return nil
	}
	return Gt("lastUpdated", t)
}

func inInts(field string, ids []int64) Cond {
	if len(ids) == 0 {
		return nil
	}
	return In(field, ids...)
}

func inStrings(field string, values []string) Cond {
	if len(values) == 0 {
		return nil
	}
	return In(field, values...)
}

// ownedBy is the disjunction owner = id OR resources LIKE %id% over all identifiers.
func ownedBy(identifiers []string) Cond {
	terms := make([]Cond, 0, len(identifiers))
	for _, id := range identifiers {
		terms = append(terms, Or(Eq("owner/identifier", id), Contains("resources", id)))
	}
	return Or(terms...)
}

// ListMembers fetches members.
func (c *Client) ListMembers(ctx context.Context, f MemberFilter) ([]Member, error) {
	var active Cond
	if f.ActiveOnly {
		active = Eq("inactiveFlag", false)
	}
	q := Query{
		Conditions: And(active, inStrings("identifier", f.Identifiers), modifiedSince(f.ModifiedSince)),
		OrderBy:    "id asc",
		Fields:     memberFields,
	}
	return FetchAllPages[Member](ctx, c, PathMembers, q)
}

// ListBoards fetches service boards.
func (c *Client) ListBoards(ctx context.Context, f BoardFilter) ([]Board, error) {
	q := Query{
		Conditions: And(inStrings("name", f.Names), modifiedSince(f.ModifiedSince)),
		OrderBy:    "id asc",
		Fields:     boardFields,
	}
	return FetchAllPages[Board](ctx, c, PathBoards, q)
}

// ListTimeEntries fetches time entries, most recent first.
func (c *Client) ListTimeEntries(ctx context.Context, f TimeEntryFilter) ([]TimeEntry, error) {
	if len(f.MemberIDs) == 0 {
		return nil, nil
	}
	var from, to Cond
	if !f.From.IsZero() {
		from = Gte("timeStart", f.From)
	}
	if !f.To.IsZero() {
		to = Lt("timeStart", f.To)
	}
	q := Query{
		Conditions: And(inInts("member/id", f.MemberIDs), from, to, modifiedSince(f.ModifiedSince)),
		OrderBy:    "timeStart desc",
		Fields:     entryFields,
	}
	return FetchAllPages[TimeEntry](ctx, c, PathTimeEntries, q)
}

// ListTickets fetches service tickets, most recently updated first.
func (c *Client) ListTickets(ctx context.Context, f TicketFilter) ([]Ticket, error) {
	if len(f.IDs) == 0 && len(f.Engineers) == 0 && len(f.BoardNames) == 0 {
		return nil, nil
	}
	q := Query{
		Conditions: And(
			inInts("id", f.IDs),
			ownedBy(f.Engineers),
			inStrings("board/name", f.BoardNames),
			modifiedSince(f.ModifiedSince),
		),
		OrderBy: "_info/lastUpdated desc",
		Fields:  ticketFields,
	}
	return FetchAllPages[Ticket](ctx, c, PathTickets, q)
}

// ListProjects fetches projects.
func (c *Client) ListProjects(ctx context.Context, f ProjectFilter) ([]Project, error) {
	if len(f.IDs) == 0 && len(f.Managers) == 0 {
		return nil, nil
	}
	q := Query{
		Conditions: And(inInts("id", f.IDs), inStrings("manager/identifier", f.Managers), modifiedSince(f.ModifiedSince)),
		OrderBy:    "id desc",
		Fields:     projectFields,
	}
	return FetchAllPages[Project](ctx, c, PathProjects, q)
}

// ListProjectTickets fetches project tasks.
func (c *Client) ListProjectTickets(ctx context.Context, f ProjectTicketFilter) ([]ProjectTicket, error) {
	if len(f.ProjectIDs) == 0 && len(f.IDs) == 0 {
		return nil, nil
	}
	q := Query{
		Conditions: And(inInts("project/id", f.ProjectIDs), inInts("id", f.IDs), modifiedSince(f.ModifiedSince)),
		OrderBy:    "id asc",
		Fields:     projectTicketFields,
	}
	return FetchAllPages[ProjectTicket](ctx, c, PathProjectTickets, q)
}
