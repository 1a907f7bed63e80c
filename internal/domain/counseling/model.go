package counseling

import (
	"time"

	"github.com/google/uuid"

	"github.com/counsel/counsel/pkg/timewindow"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusBlocked    Status = "blocked"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusAssigned: true, StatusScheduled: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true, StatusBlocked: true,
}

// Active reports whether an appointment in this status occupies the
// counselor's calendar.
func (s Status) Active() bool {
	switch s {
	case StatusAssigned, StatusScheduled, StatusInProgress, StatusBlocked:
		return true
	}
	return false
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var validPriorities = map[Priority]bool{PriorityNormal: true, PriorityMedium: true, PriorityHigh: true}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

type Mode string

const (
	ModeInPerson Mode = "in_person"
	ModeVideo    Mode = "video"
	ModePhone    Mode = "phone"
)

var validModes = map[Mode]bool{ModeInPerson: true, ModeVideo: true, ModePhone: true}

// Role identifies the kind of caller performing an operation.
type Role string

const (
	RoleStudent   Role = "student"
	RoleCounselor Role = "counselor"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Actor is the caller of an engine operation. It is always passed in
// explicitly; the engine never looks identity up from ambient state.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// SystemActor is used by background jobs. History rows it writes carry no
// performer.
func SystemActor() Actor { return Actor{Role: RoleSystem} }

func (a Actor) performer() *uuid.UUID {
	if a.Role == RoleSystem || a.ID == uuid.Nil {
		return nil
	}
	id := a.ID
	return &id
}

// Appointment maps to the appointment_requests table.
type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	StudentID          *uuid.UUID `db:"student_id" json:"student_id,omitempty"`
	CounselorID        *uuid.UUID `db:"counselor_id" json:"counselor_id,omitempty"`
	Topic              string     `db:"topic" json:"topic"`
	RequestedStart     time.Time  `db:"requested_start" json:"requested_start"`
	ScheduledStart     *time.Time `db:"scheduled_start" json:"scheduled_start,omitempty"`
	DurationMinutes    int        `db:"duration_minutes" json:"duration_minutes"`
	Status             Status     `db:"status" json:"status"`
	Priority           Priority   `db:"priority" json:"priority"`
	Mode               Mode       `db:"mode" json:"mode"`
	RoomNumber         *string    `db:"room_number" json:"room_number,omitempty"`
	MeetingLink        *string    `db:"meeting_link" json:"meeting_link,omitempty"`
	StudentNotes       string     `db:"student_notes" json:"student_notes"`
	AdminNotes         string     `db:"admin_notes" json:"admin_notes"`
	CounselorNotes     string     `db:"counselor_notes" json:"counselor_notes"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt        *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// End returns the scheduled end, or nil when no time is set.
func (a *Appointment) End() *time.Time {
	if a.ScheduledStart == nil {
		return nil
	}
	end := a.ScheduledStart.Add(time.Duration(a.DurationMinutes) * time.Minute)
	return &end
}

func (a *Appointment) ownedByCounselor(id uuid.UUID) bool {
	return a.CounselorID != nil && *a.CounselorID == id
}

func (a *Appointment) ownedByStudent(id uuid.UUID) bool {
	return a.StudentID != nil && *a.StudentID == id
}

// Clone returns a deep copy.
func (a *Appointment) Clone() *Appointment {
	c := *a
	c.StudentID = cloneUUID(a.StudentID)
	c.CounselorID = cloneUUID(a.CounselorID)
	c.ScheduledStart = cloneTime(a.ScheduledStart)
	c.CompletedAt = cloneTime(a.CompletedAt)
	c.RoomNumber = cloneString(a.RoomNumber)
	c.MeetingLink = cloneString(a.MeetingLink)
	c.CancellationReason = cloneString(a.CancellationReason)
	return &c
}

// HistoryEntry is one append-only audit row.
type HistoryEntry struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	AppointmentID uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	Action        string     `db:"action" json:"action"`
	PerformedBy   *uuid.UUID `db:"performed_by" json:"performed_by,omitempty"`
	Notes         string     `db:"notes" json:"notes"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// History action tags.
const (
	HistoryCreated      = "created"
	HistoryAssigned     = "assigned"
	HistoryAccepted     = "accepted"
	HistoryRejected     = "rejected_by_counselor"
	HistorySessionStart = "session_started"
	HistoryCompleted    = "completed"
	HistoryCancelled    = "cancelled"
	HistoryRescheduled  = "rescheduled"
	HistoryBlocked      = "blocked"
)

// Availability is a counselor's working template for one weekday.
type Availability struct {
	ID              uuid.UUID             `db:"id" json:"id"`
	CounselorID     uuid.UUID             `db:"counselor_id" json:"counselor_id"`
	DayOfWeek       time.Weekday          `db:"day_of_week" json:"day_of_week"`
	StartTime       timewindow.TimeOfDay  `db:"start_minute" json:"start_time"`
	EndTime         timewindow.TimeOfDay  `db:"end_minute" json:"end_time"`
	LunchStart      *timewindow.TimeOfDay `db:"lunch_start" json:"lunch_start,omitempty"`
	LunchEnd        *timewindow.TimeOfDay `db:"lunch_end" json:"lunch_end,omitempty"`
	SessionDuration int                   `db:"session_duration" json:"session_duration"`
	BufferMinutes   int                   `db:"buffer_minutes" json:"buffer_minutes"`
	IsAvailable     bool                  `db:"is_available" json:"is_available"`
	UpdatedAt       time.Time             `db:"updated_at" json:"updated_at"`
}

// Hours returns the business hours described by the template.
func (a *Availability) Hours() timewindow.BusinessHours {
	h := timewindow.BusinessHours{Open: a.StartTime, Close: a.EndTime}
	if a.LunchStart != nil && a.LunchEnd != nil {
		h.Lunch = &timewindow.Window{Start: *a.LunchStart, End: *a.LunchEnd}
	}
	return h
}

// ScheduleBlock is a counselor-declared unavailable interval on one date.
type ScheduleBlock struct {
	ID          uuid.UUID            `db:"id" json:"id"`
	CounselorID uuid.UUID            `db:"counselor_id" json:"counselor_id"`
	Date        timewindow.Date      `db:"block_date" json:"date"`
	StartTime   timewindow.TimeOfDay `db:"start_minute" json:"start_time"`
	EndTime     timewindow.TimeOfDay `db:"end_minute" json:"end_time"`
	Reason      string               `db:"reason" json:"reason"`
	BlockType   string               `db:"block_type" json:"block_type"`
	Recurrence  *string              `db:"recurrence" json:"recurrence,omitempty"`
	CreatedBy   *uuid.UUID           `db:"created_by" json:"created_by,omitempty"`
	CreatedAt   time.Time            `db:"created_at" json:"created_at"`
}

func (b *ScheduleBlock) Window() timewindow.Window {
	return timewindow.Window{Start: b.StartTime, End: b.EndTime}
}

type RecipientType string

const (
	RecipientStudent   RecipientType = "student"
	RecipientCounselor RecipientType = "counselor"
)

// Reminder is one pending or delivered notice for a scheduled appointment.
// ScheduledFor pins the appointment start the reminder was computed from;
// once the appointment moves, the reminder is no longer eligible.
type Reminder struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	AppointmentID uuid.UUID     `db:"appointment_id" json:"appointment_id"`
	ReminderType  string        `db:"reminder_type" json:"reminder_type"`
	RecipientType RecipientType `db:"recipient_type" json:"recipient_type"`
	RecipientID   uuid.UUID     `db:"recipient_id" json:"recipient_id"`
	ScheduledFor  time.Time     `db:"scheduled_for" json:"scheduled_for"`
	MinutesBefore int           `db:"minutes_before" json:"minutes_before"`
	FireAt        time.Time     `db:"fire_at" json:"fire_at"`
	Sent          bool          `db:"sent" json:"sent"`
	SentAt        *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

// DueReminder is a claimed reminder together with the appointment details a
// notification needs.
type DueReminder struct {
	Reminder
	Topic       string
	Mode        Mode
	RoomNumber  *string
	MeetingLink *string
	Duration    int
}

func cloneUUID(v *uuid.UUID) *uuid.UUID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
