package counseling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/counsel/counsel/pkg/timewindow"
)

// AppointmentFilter narrows ListAppointments. Zero fields are ignored.
type AppointmentFilter struct {
	Status       Status
	Priority     Priority
	CounselorID  *uuid.UUID
	StudentID    *uuid.UUID
	UpdatedSince *time.Time
	// Unassigned keeps only appointments without a counselor.
	Unassigned   bool
	// StartsFrom and StartsBefore bound the effective start, the scheduled
	// time when one is set and the requested time otherwise, to
	// [StartsFrom, StartsBefore).
	StartsFrom   *time.Time
	StartsBefore *time.Time
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate reads the row and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// ListActive returns the counselor's active appointments with a
	// scheduled start in [from, to).
	ListActive(ctx context.Context, counselorID uuid.UUID, from, to time.Time) ([]*Appointment, error)
	Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// EscalatePending raises pending requests to the priority policy gives
	// them at now and returns how many rows changed.
	EscalatePending(ctx context.Context, policy EscalationPolicy, now time.Time) (int, error)
}

type HistoryRepository interface {
	Append(ctx context.Context, h *HistoryEntry) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error)
}

type AvailabilityRepository interface {
	Upsert(ctx context.Context, a *Availability) error
	Get(ctx context.Context, counselorID uuid.UUID, day time.Weekday) (*Availability, error)
	ListByCounselor(ctx context.Context, counselorID uuid.UUID) ([]*Availability, error)
}

type BlockRepository interface {
	Create(ctx context.Context, b *ScheduleBlock) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScheduleBlock, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByCounselorDate(ctx context.Context, counselorID uuid.UUID, date timewindow.Date) ([]*ScheduleBlock, error)
}

type ReminderRepository interface {
	// CreateBatch inserts reminders, skipping any that already exist for
	// the same appointment start, recipient and offset.
	CreateBatch(ctx context.Context, rs []*Reminder) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Reminder, error)
	// ClaimDue locks up to limit unsent reminders with fireAt <= now whose
	// appointment is still scheduled at the time they were computed for.
	// Rows locked by a concurrent claimer are skipped.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*DueReminder, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Transactor runs a unit of work atomically. InCounselorTx additionally
// serializes all units of work for the same counselor.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	InCounselorTx(ctx context.Context, counselorID uuid.UUID, fn func(ctx context.Context) error) error
}

// NotificationPort hands an outbound notice to the delivery collaborator.
type NotificationPort interface {
	Send(ctx context.Context, recipientEmail, template string, data map[string]string) error
}

// Directory resolves users owned by the host application.
type Directory interface {
	Email(ctx context.Context, userID uuid.UUID) (string, error)
	IsActiveCounselor(ctx context.Context, userID uuid.UUID) (bool, error)
	// ListCounselors returns the active counselors ordered by name.
	ListCounselors(ctx context.Context) ([]*Counselor, error)
}

// Counselor is a user who can be assigned appointments.
type Counselor struct {
	ID       uuid.UUID `db:"id" json:"id"`
	FullName string    `db:"full_name" json:"full_name"`
	Email    string    `db:"email" json:"email"`
}

// Clock supplies "now" so past-date checks are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by the wall clock, in UTC.
func SystemClock() Clock { return systemClock{} }
