package sync

import (
	"slices"

	"github.com/JohanCodinha/mspsync/internal/cw"
)

// IDSet is a set of remote record ids.
type IDSet map[int64]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id. Non-positive ids are not references and are ignored.
func (s IDSet) Add(id int64) {
	if id > 0 {
		s[id] = struct{}{}
	}
}

// Has reports whether id is in the set.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Minus returns the ids of s that are not in other.
func (s IDSet) Minus(other IDSet) IDSet {
	out := make(IDSet)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Discovered holds the tickets and projects referenced by a set of time entries.
type Discovered struct {
	Tickets  IDSet
	Projects IDSet
}

// Discover scans entries once and collects every ticket and project they
// reference, whether the reference is nested, flat, or carried as the
// charge-to id of a service ticket entry.
func Discover(entries []cw.TimeEntry) Discovered {
	d := Discovered{Tickets: make(IDSet), Projects: make(IDSet)}
	for i := range entries {
		if id, ok := ticketRef(&entries[i]); ok {
			d.Tickets.Add(id)
		}
		if id, ok := projectRef(&entries[i]); ok {
			d.Projects.Add(id)
		}
	}
	return d
}

func ticketRef(e *cw.TimeEntry) (int64, bool) {
	// Entries charged to a project ticket carry its id in the ticket fields,
	// which is not a service ticket.
	if e.ChargeToType == cw.ChargeToProjectTicket {
		return 0, false
	}
	switch {
	case e.Ticket != nil && e.Ticket.ID > 0:
		return e.Ticket.ID, true
	case e.TicketID != nil && *e.TicketID > 0:
		return *e.TicketID, true
	case e.ChargeToType == cw.ChargeToServiceTicket && e.ChargeToID != nil && *e.ChargeToID > 0:
		return *e.ChargeToID, true
	}
	return 0, false
}

func projectRef(e *cw.TimeEntry) (int64, bool) {
	switch {
	case e.Project != nil && e.Project.ID > 0:
		return e.Project.ID, true
	case e.ProjectID != nil && *e.ProjectID > 0:
		return *e.ProjectID, true
	}
	return 0, false
}

// chunk splits ids into consecutive slices of at most size elements.
func chunk[T any](ids []T, size int) [][]T {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]T
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
