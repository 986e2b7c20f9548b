package cw

// Wire schemas for the collections the sync reads. Optional fields are
// pointers; timestamps stay as the API's ISO-8601 strings and are parsed by
// the mapping step so a malformed value fails one record, not the page.

// Reference is the API's nested link to another record.
type Reference struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier,omitempty"`
	Name       string `json:"name,omitempty"`
}

// RefID returns r.ID, or 0 for a nil reference.
func (r *Reference) RefID() int64 {
	if r == nil {
		return 0
	}
	return r.ID
}

// RefName returns r.Name, or "" for a nil reference.
func (r *Reference) RefName() string {
	if r == nil {
		return ""
	}
	return r.Name
}

// RefIdentifier returns r.Identifier, or "" for a nil reference.
func (r *Reference) RefIdentifier() string {
	if r == nil {
		return ""
	}
	return r.Identifier
}

// Info is the "_info" metadata block.
type Info struct {
	LastUpdated string `json:"lastUpdated,omitempty"`
	DateEntered string `json:"dateEntered,omitempty"`
}

// Member is a row of /system/members.
type Member struct {
	ID           int64  `json:"id"`
	Identifier   string `json:"identifier"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	PrimaryEmail string `json:"primaryEmail,omitempty"`
	InactiveFlag bool   `json:"inactiveFlag"`
	Info         *Info  `json:"_info,omitempty"`
}

// Board is a row of /service/boards.
type Board struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	InactiveFlag bool   `json:"inactiveFlag"`
	Info         *Info  `json:"_info,omitempty"`
}

// TimeEntry is a row of /time/entries. The ticket or project it was logged
// against may arrive as a nested reference or as a flat id.
type TimeEntry struct {
	ID             int64      `json:"id"`
	Member         *Reference `json:"member,omitempty"`
	Ticket         *Reference `json:"ticket,omitempty"`
	Project        *Reference `json:"project,omitempty"`
	TicketID       *int64     `json:"ticketId,omitempty"`
	ProjectID      *int64     `json:"projectId,omitempty"`
	ChargeToID     *int64     `json:"chargeToId,omitempty"`
	ChargeToType   string     `json:"chargeToType,omitempty"`
	ActualHours    *float64   `json:"actualHours,omitempty"`
	BillableOption string     `json:"billableOption,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	InternalNotes  string     `json:"internalNotes,omitempty"`
	TimeStart      string     `json:"timeStart,omitempty"`
	TimeEnd        *string    `json:"timeEnd,omitempty"`
	Info           *Info      `json:"_info,omitempty"`
}

// Charge types that carry a ticket id in ChargeToID.
const (
	ChargeToServiceTicket = "ServiceTicket"
	ChargeToProjectTicket = "ProjectTicket"
)

// Ticket is a row of /service/tickets.
type Ticket struct {
	ID           int64      `json:"id"`
	Summary      string     `json:"summary"`
	Board        *Reference `json:"board,omitempty"`
	Status       *Reference `json:"status,omitempty"`
	Company      *Reference `json:"company,omitempty"`
	Type         *Reference `json:"type,omitempty"`
	Priority     *Reference `json:"priority,omitempty"`
	Owner        *Reference `json:"owner,omitempty"`
	Resources    string     `json:"resources,omitempty"`
	ClosedFlag   bool       `json:"closedFlag"`
	DateEntered  *string    `json:"dateEntered,omitempty"`
	DateResolved *string    `json:"dateResolved,omitempty"`
	ClosedDate   *string    `json:"closedDate,omitempty"`
	BudgetHours  *float64   `json:"budgetHours,omitempty"`
	ActualHours  *float64   `json:"actualHours,omitempty"`
	Info         *Info      `json:"_info,omitempty"`
}

// Project is a row of /project/projects.
type Project struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Status          *Reference `json:"status,omitempty"`
	Company         *Reference `json:"company,omitempty"`
	Manager         *Reference `json:"manager,omitempty"`
	Board           *Reference `json:"board,omitempty"`
	Type            *Reference `json:"type,omitempty"`
	EstimatedStart  *string    `json:"estimatedStart,omitempty"`
	EstimatedEnd    *string    `json:"estimatedEnd,omitempty"`
	ActualStart     *string    `json:"actualStart,omitempty"`
	ActualEnd       *string    `json:"actualEnd,omitempty"`
	EstimatedHours  *float64   `json:"estimatedHours,omitempty"`
	ActualHours     *float64   `json:"actualHours,omitempty"`
	PercentComplete *float64   `json:"percentComplete,omitempty"`
	ClosedFlag      bool       `json:"closedFlag"`
	Description     string     `json:"description,omitempty"`
	Info            *Info      `json:"_info,omitempty"`
}

// ProjectTicket is a row of /project/tickets.
type ProjectTicket struct {
	ID          int64      `json:"id"`
	Summary     string     `json:"summary"`
	Project     *Reference `json:"project,omitempty"`
	Phase       *Reference `json:"phase,omitempty"`
	Board       *Reference `json:"board,omitempty"`
	Status      *Reference `json:"status,omitempty"`
	Company     *Reference `json:"company,omitempty"`
	Priority    *Reference `json:"priority,omitempty"`
	Type        *Reference `json:"type,omitempty"`
	Resources   string     `json:"resources,omitempty"`
	ClosedFlag  bool       `json:"closedFlag"`
	WBSCode     string     `json:"wbsCode,omitempty"`
	BudgetHours *float64   `json:"budgetHours,omitempty"`
	ActualHours *float64   `json:"actualHours,omitempty"`
	ClosedDate  *string    `json:"closedDate,omitempty"`
	Info        *Info      `json:"_info,omitempty"`
}
