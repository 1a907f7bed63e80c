package counseling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/counsel/counsel/pkg/timewindow"
)

var tracer = otel.Tracer("github.com/counsel/counsel/internal/domain/counseling")

var errConcurrentChange = errors.New("appointment changed counselor while waiting for lock")

// Metrics receives engine outcomes. A nil Metrics disables recording.
type Metrics interface {
	ObserveTransition(action, outcome string)
	ObserveConflict(reason string)
	ObserveReminder(outcome string)
	ObserveEscalated(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(string, string) {}
func (noopMetrics) ObserveConflict(string)           {}
func (noopMetrics) ObserveReminder(string)           {}
func (noopMetrics) ObserveEscalated(int)             {}

// Config holds the scheduling policy.
type Config struct {
	// Location is the zone in which counselors' working hours are read.
	Location        *time.Location
	DefaultDuration int
	DefaultBuffer   int
	SlotStep        int
	ReminderOffsets []int
	Escalation      EscalationPolicy
	// QueryTimeout bounds each read made outside a transaction and each
	// notification delivered after commit.
	QueryTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 60
	}
	if c.DefaultBuffer < 0 {
		c.DefaultBuffer = 15
	}
	if c.SlotStep <= 0 {
		c.SlotStep = 30
	}
	if c.ReminderOffsets == nil {
		c.ReminderOffsets = DefaultReminderOffsets
	}
	if c.Escalation == (EscalationPolicy{}) {
		c.Escalation = DefaultEscalation
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
}

// Deps are the collaborators of the Service.
type Deps struct {
	Tx           Transactor
	Appointments AppointmentRepository
	History      HistoryRepository
	Availability AvailabilityRepository
	Blocks       BlockRepository
	Reminders    ReminderRepository
	Notifier     NotificationPort
	Directory    Directory
	Clock        Clock
	Metrics      Metrics
	Logger       zerolog.Logger
}

// Service is the appointment lifecycle engine. Every change to an
// appointment goes through it.
type Service struct {
	tx           Transactor
	appointments AppointmentRepository
	history      HistoryRepository
	availability AvailabilityRepository
	blocks       BlockRepository
	reminders    ReminderRepository
	notifier     NotificationPort
	directory    Directory
	clock        Clock
	metrics      Metrics
	logger       zerolog.Logger
	checker      *ConflictChecker
	cfg          Config
}

func NewService(d Deps, cfg Config) *Service {
	cfg.applyDefaults()
	if d.Clock == nil {
		d.Clock = SystemClock()
	}
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	return &Service{
		tx:           d.Tx,
		appointments: d.Appointments,
		history:      d.History,
		availability: d.Availability,
		blocks:       d.Blocks,
		reminders:    d.Reminders,
		notifier:     d.Notifier,
		directory:    d.Directory,
		clock:        d.Clock,
		metrics:      d.Metrics,
		logger:       d.Logger.With().Str("component", "counseling").Logger(),
		checker:      NewConflictChecker(d.Availability, d.Blocks, d.Appointments, cfg.Location, cfg.DefaultBuffer),
		cfg:          cfg,
	}
}

// Checker exposes the conflict checker used by the engine.
func (s *Service) Checker() *ConflictChecker { return s.checker }

// bounded limits ctx for one statement issued outside a transaction.
func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// getByID reads an appointment without locking it.
func (s *Service) getByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.appointments.GetByID(ctx, id)
}

// -- Requests --

type CreateRequestInput struct {
	StudentID       uuid.UUID `json:"student_id"`
	RequestedStart  time.Time `json:"requested_start"`
	DurationMinutes int       `json:"duration_minutes"`
	Topic           string    `json:"topic"`
	Mode            Mode      `json:"mode"`
	RoomNumber      *string   `json:"room_number,omitempty"`
	MeetingLink     *string   `json:"meeting_link,omitempty"`
	Notes           string    `json:"notes"`
}

// CreateRequest files a new pending request on behalf of a student.
func (s *Service) CreateRequest(ctx context.Context, actor Actor, in CreateRequestInput) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "counseling.create_request")
	defer span.End()

	a, err := s.newRequest(actor, in)
	if err != nil {
		s.record(ctx, "create", uuid.Nil, err)
		return nil, err
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.appointments.Create(ctx, a); err != nil {
			return err
		}
		return s.history.Append(ctx, &HistoryEntry{
			ID: uuid.New(), AppointmentID: a.ID, Action: HistoryCreated,
			PerformedBy: actor.performer(), Notes: a.Topic, CreatedAt: a.CreatedAt,
		})
	})
	err = classify("create request", err)
	s.record(ctx, "create", a.ID, err)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) newRequest(actor Actor, in CreateRequestInput) (*Appointment, error) {
	switch actor.Role {
	case RoleStudent:
		if in.StudentID == uuid.Nil {
			in.StudentID = actor.ID
		}
		if in.StudentID != actor.ID {
			return nil, invalid("student_id", "must be the caller")
		}
	case RoleAdmin, RoleCounselor, RoleSystem:
		if in.StudentID == uuid.Nil {
			return nil, invalid("student_id", "is required")
		}
	default:
		return nil, invalid("actor", "unknown role")
	}

	now := s.clock.Now()
	if in.RequestedStart.IsZero() {
		return nil, invalid("requested_start", "is required")
	}
	if err := wholeMinute("requested_start", in.RequestedStart); err != nil {
		return nil, err
	}
	if !in.RequestedStart.After(now) {
		return nil, invalid("requested_start", "must be in the future")
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = s.cfg.DefaultDuration
	}
	if in.DurationMinutes < 0 {
		return nil, invalid("duration_minutes", "must be positive")
	}
	in.Topic = strings.TrimSpace(in.Topic)
	if in.Topic == "" {
		return nil, invalid("topic", "is required")
	}
	if in.Mode == "" {
		in.Mode = ModeInPerson
	}
	if err := validateLocation(in.Mode, in.RoomNumber, in.MeetingLink); err != nil {
		return nil, err
	}

	student := in.StudentID
	return &Appointment{
		ID:              uuid.New(),
		StudentID:       &student,
		Topic:           in.Topic,
		RequestedStart:  in.RequestedStart,
		DurationMinutes: in.DurationMinutes,
		Status:          StatusPending,
		Priority:        initialPriority(in.Topic),
		Mode:            in.Mode,
		RoomNumber:      in.RoomNumber,
		MeetingLink:     in.MeetingLink,
		StudentNotes:    strings.TrimSpace(in.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// wholeMinute rejects start times carrying seconds. Calendars are kept in
// minutes and a stray second would shift a session past its neighbours.
func wholeMinute(field string, t time.Time) error {
	if t.Second() != 0 || t.Nanosecond() != 0 {
		return invalid(field, "must fall on a whole minute")
	}
	return nil
}

func validateLocation(mode Mode, room, link *string) error {
	if !validModes[mode] {
		return invalid("mode", "must be one of in_person, video, phone")
	}
	if mode == ModeInPerson && link != nil {
		return invalid("meeting_link", "must be empty for in-person sessions")
	}
	if mode != ModeInPerson && room != nil {
		return invalid("room_number", "must be empty for video and phone sessions")
	}
	return nil
}

// -- Transitions --

// mutation describes one lifecycle transition of an existing appointment.
type mutation struct {
	action  Action
	history string
	// lockOn names the counselor whose calendar the transition touches.
	// uuid.Nil means only the appointment row is locked.
	lockOn  func(a *Appointment) uuid.UUID
	roles   []Role
	apply   func(ctx context.Context, a *Appointment, now time.Time) (string, error)
	notices func(a *Appointment) []notice
}

func currentCounselor(a *Appointment) uuid.UUID {
	if a.CounselorID == nil {
		return uuid.Nil
	}
	return *a.CounselorID
}

// transition validates legality and ownership against a snapshot, then
// re-reads the row under the counselor lock and applies the change, its
// history entry and any reminders in a single transaction.
func (s *Service) transition(ctx context.Context, actor Actor, id uuid.UUID, m mutation) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "counseling."+string(m.action), trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
		attribute.String("actor_role", string(actor.Role)),
	))
	defer span.End()

	out, notices, err := s.transitionTx(ctx, actor, id, m)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	s.record(ctx, string(m.action), id, err)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notices)
	return out, nil
}

func (s *Service) transitionTx(ctx context.Context, actor Actor, id uuid.UUID, m mutation) (*Appointment, []notice, error) {
	current, err := s.getByID(ctx, id)
	if err != nil {
		return nil, nil, classify("load appointment", err)
	}
	if _, err := NextStatus(current.Status, m.action); err != nil {
		return nil, nil, err
	}
	if err := authorize(actor, current, m.roles...); err != nil {
		return nil, nil, err
	}

	lockID := m.lockOn(current)
	var (
		out     *Appointment
		notices []notice
	)
	err = s.inCounselorTx(ctx, lockID, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if m.lockOn(a) != lockID {
			return &TransientError{Op: string(m.action), Err: errConcurrentChange}
		}
		next, err := NextStatus(a.Status, m.action)
		if err != nil {
			return err
		}
		if err := authorize(actor, a, m.roles...); err != nil {
			return err
		}

		now := s.clock.Now()
		notes, err := m.apply(ctx, a, now)
		if err != nil {
			return err
		}
		a.Status = next
		a.UpdatedAt = now
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		if err := s.history.Append(ctx, &HistoryEntry{
			ID: uuid.New(), AppointmentID: a.ID, Action: m.history,
			PerformedBy: actor.performer(), Notes: notes, CreatedAt: now,
		}); err != nil {
			return err
		}
		if next == StatusScheduled {
			if rs := buildReminders(a, s.cfg.ReminderOffsets, now); len(rs) > 0 {
				if err := s.reminders.CreateBatch(ctx, rs); err != nil {
					return err
				}
			}
		}
		out = a
		if m.notices != nil {
			notices = m.notices(a)
		}
		return nil
	})
	if err != nil {
		return nil, nil, classify(string(m.action), err)
	}
	return out, notices, nil
}

func (s *Service) inCounselorTx(ctx context.Context, counselorID uuid.UUID, fn func(ctx context.Context) error) error {
	if counselorID == uuid.Nil {
		return s.tx.InTx(ctx, fn)
	}
	return s.tx.InCounselorTx(ctx, counselorID, fn)
}

// authorize accepts admins and the system unconditionally, and students or
// counselors only for appointments they own. Anything else is reported as
// not found so callers cannot discover other people's appointments.
func authorize(actor Actor, a *Appointment, allowed ...Role) error {
	for _, r := range allowed {
		if r != actor.Role {
			continue
		}
		switch r {
		case RoleAdmin, RoleSystem:
			return nil
		case RoleCounselor:
			if a.ownedByCounselor(actor.ID) {
				return nil
			}
		case RoleStudent:
			if a.ownedByStudent(actor.ID) {
				return nil
			}
		}
	}
	return &NotFoundError{Entity: "appointment", ID: a.ID.String()}
}

func (s *Service) checkSlot(ctx context.Context, counselorID uuid.UUID, start time.Time, duration int, exclude uuid.UUID, now time.Time) error {
	return s.checker.Check(ctx, Candidate{CounselorID: counselorID, Start: start, DurationMinutes: duration, ExcludeID: exclude}, now)
}

type AssignInput struct {
	CounselorID    uuid.UUID  `json:"counselor_id"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	Notes          string     `json:"notes"`
}

// AssignCounselor hands a pending request to a counselor. A supplied start
// time is tentative until the counselor accepts, but it is conflict-checked
// and occupies the counselor's calendar from now on.
func (s *Service) AssignCounselor(ctx context.Context, actor Actor, id uuid.UUID, in AssignInput) (*Appointment, error) {
	if in.CounselorID == uuid.Nil {
		err := invalid("counselor_id", "is required")
		s.record(ctx, string(ActionAssign), id, err)
		return nil, err
	}
	if in.ScheduledStart != nil {
		if err := wholeMinute("scheduled_start", *in.ScheduledStart); err != nil {
			s.record(ctx, string(ActionAssign), id, err)
			return nil, err
		}
	}
	if err := s.requireCounselor(ctx, in.CounselorID); err != nil {
		s.record(ctx, string(ActionAssign), id, err)
		return nil, err
	}

	return s.transition(ctx, actor, id, mutation{
		action:  ActionAssign,
		history: HistoryAssigned,
		lockOn:  func(*Appointment) uuid.UUID { return in.CounselorID },
		roles:   []Role{RoleAdmin, RoleSystem},
		apply: func(ctx context.Context, a *Appointment, now time.Time) (string, error) {
			if in.ScheduledStart != nil {
				if err := s.checkSlot(ctx, in.CounselorID, *in.ScheduledStart, a.DurationMinutes, a.ID, now); err != nil {
					return "", err
				}
				start := *in.ScheduledStart
				a.ScheduledStart = &start
			}
			counselor := in.CounselorID
			a.CounselorID = &counselor
			a.AdminNotes = appendNote(a.AdminNotes, in.Notes)
			return in.Notes, nil
		},
		notices: func(a *Appointment) []notice {
			return s.noticeTo(a.CounselorID, TemplateAssigned, a, nil)
		},
	})
}

func (s *Service) requireCounselor(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	ok, err := s.directory.IsActiveCounselor(ctx, id)
	if err != nil {
		return classify("lookup counselor", err)
	}
	if !ok {
		return &NotFoundError{Entity: "counselor", ID: id.String()}
	}
	return nil
}

type BulkAssignInput struct {
	AppointmentIDs []uuid.UUID `json:"appointment_ids"`
	CounselorID    uuid.UUID   `json:"counselor_id"`
	// UseRequestedStart books each request at the time its student asked
	// for; otherwise requests are assigned without a time.
	UseRequestedStart bool   `json:"use_requested_start"`
	Notes             string `json:"notes"`
}

// BulkResult reports the outcome for one appointment of a bulk assignment.
type BulkResult struct {
	AppointmentID uuid.UUID    `json:"appointment_id"`
	Appointment   *Appointment `json:"appointment,omitempty"`
	Kind          string       `json:"kind,omitempty"`
	Error         string       `json:"error,omitempty"`
	Err           error        `json:"-"`
}

// BulkAssign assigns each request independently, in order. One item failing
// never affects another; every item gets its own result.
func (s *Service) BulkAssign(ctx context.Context, actor Actor, in BulkAssignInput) ([]BulkResult, error) {
	if len(in.AppointmentIDs) == 0 {
		return nil, invalid("appointment_ids", "must not be empty")
	}
	if in.CounselorID == uuid.Nil {
		return nil, invalid("counselor_id", "is required")
	}
	if actor.Role != RoleAdmin && actor.Role != RoleSystem {
		return nil, &NotFoundError{Entity: "counselor", ID: in.CounselorID.String()}
	}
	if err := s.requireCounselor(ctx, in.CounselorID); err != nil {
		return nil, err
	}

	results := make([]BulkResult, 0, len(in.AppointmentIDs))
	for _, id := range in.AppointmentIDs {
		item := AssignInput{CounselorID: in.CounselorID, Notes: in.Notes}
		if in.UseRequestedStart {
			current, err := s.getByID(ctx, id)
			if err != nil {
				err = classify("load appointment", err)
				results = append(results, bulkFailure(id, err))
				continue
			}
			start := current.RequestedStart
			item.ScheduledStart = &start
		}
		a, err := s.AssignCounselor(ctx, actor, id, item)
		if err != nil {
			results = append(results, bulkFailure(id, err))
			continue
		}
		results = append(results, BulkResult{AppointmentID: id, Appointment: a})
	}
	return results, nil
}

func bulkFailure(id uuid.UUID, err error) BulkResult {
	return BulkResult{AppointmentID: id, Kind: KindOf(err).String(), Error: err.Error(), Err: err}
}

type AcceptInput struct {
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	Mode           *Mode      `json:"mode,omitempty"`
	RoomNumber     *string    `json:"room_number,omitempty"`
	MeetingLink    *string    `json:"meeting_link,omitempty"`
	Notes          string     `json:"notes"`
}

// Accept confirms an assigned appointment. The start time is the override
// if given, else the tentative time set on assignment, else the time the
// student requested.
func (s *Service) Accept(ctx context.Context, actor Actor, id uuid.UUID, in AcceptInput) (*Appointment, error) {
	if in.ScheduledStart != nil {
		if err := wholeMinute("scheduled_start", *in.ScheduledStart); err != nil {
			s.record(ctx, string(ActionAccept), id, err)
			return nil, err
		}
	}
	return s.transition(ctx, actor, id, mutation{
		action:  ActionAccept,
		history: HistoryAccepted,
		lockOn:  currentCounselor,
		roles:   []Role{RoleCounselor},
		apply: func(ctx context.Context, a *Appointment, now time.Time) (string, error) {
			if in.Mode != nil {
				a.Mode = *in.Mode
				a.RoomNumber = in.RoomNumber
				a.MeetingLink = in.MeetingLink
			} else {
				if in.RoomNumber != nil {
					a.RoomNumber = in.RoomNumber
				}
				if in.MeetingLink != nil {
					a.MeetingLink = in.MeetingLink
				}
			}
			if err := validateLocation(a.Mode, a.RoomNumber, a.MeetingLink); err != nil {
				return "", err
			}

			start := a.RequestedStart
			switch {
			case in.ScheduledStart != nil:
				start = *in.ScheduledStart
			case a.ScheduledStart != nil:
				start = *a.ScheduledStart
			}
			if err := s.checkSlot(ctx, *a.CounselorID, start, a.DurationMinutes, a.ID, now); err != nil {
				return "", err
			}
			a.ScheduledStart = &start
			a.CounselorNotes = appendNote(a.CounselorNotes, in.Notes)
			return in.Notes, nil
		},
		notices: func(a *Appointment) []notice {
			return s.noticeTo(a.StudentID, TemplateConfirmed, a, nil)
		},
	})
}

// Reject returns an assigned or scheduled appointment to the pending queue.
func (s *Service) Reject(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, actor, id, mutation{
		action:  ActionReject,
		history: HistoryRejected,
		lockOn:  currentCounselor,
		roles:   []Role{RoleCounselor, RoleAdmin},
		apply: func(ctx context.Context, a *Appointment, now time.Time) (string, error) {
			a.CounselorID = nil
			a.ScheduledStart = nil
			if reason != "" {
				a.CounselorNotes = appendNote(a.CounselorNotes, "Rejected: "+reason)
			}
			return reason, nil
		},
		notices: func(a *Appointment) []notice {
			return s.noticeTo(a.StudentID, TemplateReturned, a, map[string]string{"reason": reason})
		},
	})
}

// StartSession marks a scheduled appointment as in progress. Sessions can
// only start on the day they are scheduled for.
func (s *Service) StartSession(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, mutation{
		action:  ActionStart,
		history: HistorySessionStart,
		lockOn:  currentCounselor,
		roles:   []Role{RoleCounselor},
		apply: func(ctx context.Context, a *Appointment, now time.Time) (string, error) {
			today, _ := timewindow.Locate(now, s.cfg.Location)
			day, _ := timewindow.Locate(*a.ScheduledStart, s.cfg.Location)
			if today != day {
				return "", invalid("scheduled_start", "session can only start on its scheduled day")
			}
			return "", nil
		},
	})
}

// Complete closes an appointment. Assigned appointments without a time are
// recorded at the time the student requested.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID, sessionNotes string) (*Appointment, error) {
	sessionNotes = strings.TrimSpace(sessionNotes)
	return s.transition(ctx, actor, id, mutation{
		action:  ActionComplete,
		history: HistoryCompleted,
		lockOn:  currentCounselor,
		roles:   []Role{RoleCounselor, RoleAdmin},
		apply: func(ctx context.Context, a *Appointment, now time.Time) (string, error) {
			if a.ScheduledStart == nil {
				start := a.RequestedStart
				a.ScheduledStart = &start
			}
			completed := now
			a.CompletedAt = &completed
			if actor.Role == RoleCounselor {
				a.CounselorNotes = appendNote(a.CounselorNotes, sessionNotes)
			} else {
				a.AdminNotes = appendNote(a.AdminNotes, sessionNotes)
			}
			return sessionNotes, nil
		},
		notices: func(a *Appointment) []notice {
			return s.noticeTo(a.StudentID, TemplateCompleted, a, nil)
		},
	})
}

// Cancel soft-deletes an appointment or releases a hold. The scheduled time
// is cleared; the cancelled slot is kept in the history notes and notices.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		err := invalid("reason", "is required")
		s.record(ctx, string(ActionCancel), id, err)
		return nil, err
	}
	var released *time.Time
	return s.transition(ctx, actor, id, mutation{
		action:  ActionCancel,
		history: HistoryCancelled,
		lockOn:  currentCounselor,
		roles:   []Role{RoleStudent, RoleCounselor, RoleAdmin},
		apply: func(ctx context.Context, a *Appointment, now time.Time) (string, error) {
			released = a.ScheduledStart
			a.ScheduledStart = nil
			a.CancellationReason = &reason
			if released != nil {
				return reason + " (was " + released.UTC().Format(time.RFC3339) + ")", nil
			}
			return reason, nil
		},
		notices: func(a *Appointment) []notice {
			extra := map[string]string{"reason": reason}
			if released != nil {
				start := released.In(s.cfg.Location)
				extra["date"] = start.Format(time.DateOnly)
				extra["time"] = start.Format("15:04")
			}
			var out []notice
			if actor.Role != RoleStudent {
				out = append(out, s.noticeTo(a.StudentID, TemplateCancelled, a, extra)...)
			}
			if actor.Role != RoleCounselor {
				out = append(out, s.noticeTo(a.CounselorID, TemplateCancelled, a, extra)...)
			}
			return out
		},
	})
}

// Reschedule moves an assigned or scheduled appointment to newStart.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, newStart time.Time) (*Appointment, error) {
	if newStart.IsZero() {
		err := invalid("scheduled_start", "is required")
		s.record(ctx, string(ActionReschedule), id, err)
		return nil, err
	}
	if err := wholeMinute("scheduled_start", newStart); err != nil {
		s.record(ctx, string(ActionReschedule), id, err)
		return nil, err
	}
	return s.transition(ctx, actor, id, mutation{
		action:  ActionReschedule,
		history: HistoryRescheduled,
		lockOn:  currentCounselor,
		roles:   []Role{RoleCounselor, RoleAdmin},
		apply: func(ctx context.Context, a *Appointment, now time.Time) (string, error) {
			if err := s.checkSlot(ctx, *a.CounselorID, newStart, a.DurationMinutes, a.ID, now); err != nil {
				return "", err
			}
			old := "unscheduled"
			if a.ScheduledStart != nil {
				old = a.ScheduledStart.UTC().Format(time.RFC3339)
			}
			start := newStart
			a.ScheduledStart = &start
			return "from " + old + " to " + newStart.UTC().Format(time.RFC3339), nil
		},
		notices: func(a *Appointment) []notice {
			out := s.noticeTo(a.StudentID, TemplateRescheduled, a, nil)
			return append(out, s.noticeTo(a.CounselorID, TemplateRescheduled, a, nil)...)
		},
	})
}

// -- Counselor calendar --

func authorizeCounselor(actor Actor, counselorID uuid.UUID) error {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RoleCounselor:
		if actor.ID == counselorID {
			return nil
		}
	}
	return &NotFoundError{Entity: "counselor", ID: counselorID.String()}
}

type HoldInput struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason"`
}

// HoldSlot reserves a slot on the counselor's calendar with a placeholder
// appointment that has no student. The checker treats it like any other
// booking; Cancel releases it.
func (s *Service) HoldSlot(ctx context.Context, actor Actor, counselorID uuid.UUID, in HoldInput) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "counseling.hold_slot")
	defer span.End()

	a, err := s.holdSlot(ctx, actor, counselorID, in)
	var id uuid.UUID
	if a != nil {
		id = a.ID
	}
	s.record(ctx, "hold", id, err)
	return a, err
}

func (s *Service) holdSlot(ctx context.Context, actor Actor, counselorID uuid.UUID, in HoldInput) (*Appointment, error) {
	if err := authorizeCounselor(actor, counselorID); err != nil {
		return nil, err
	}
	if in.Start.IsZero() {
		return nil, invalid("start", "is required")
	}
	if err := wholeMinute("start", in.Start); err != nil {
		return nil, err
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = s.cfg.DefaultDuration
	}
	if in.DurationMinutes < 0 {
		return nil, invalid("duration_minutes", "must be positive")
	}

	var out *Appointment
	err := s.tx.InCounselorTx(ctx, counselorID, func(ctx context.Context) error {
		now := s.clock.Now()
		if err := s.checkSlot(ctx, counselorID, in.Start, in.DurationMinutes, uuid.Nil, now); err != nil {
			return err
		}
		counselor := counselorID
		start := in.Start
		a := &Appointment{
			ID:              uuid.New(),
			CounselorID:     &counselor,
			Topic:           strings.TrimSpace(in.Reason),
			RequestedStart:  start,
			ScheduledStart:  &start,
			DurationMinutes: in.DurationMinutes,
			Status:          StatusBlocked,
			Priority:        PriorityNormal,
			Mode:            ModeInPerson,
			CounselorNotes:  strings.TrimSpace(in.Reason),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.appointments.Create(ctx, a); err != nil {
			return err
		}
		if err := s.history.Append(ctx, &HistoryEntry{
			ID: uuid.New(), AppointmentID: a.ID, Action: HistoryBlocked,
			PerformedBy: actor.performer(), Notes: a.Topic, CreatedAt: now,
		}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, classify("hold slot", err)
	}
	return out, nil
}

type BlockInput struct {
	Date            timewindow.Date      `json:"date"`
	Start           timewindow.TimeOfDay `json:"start"`
	DurationMinutes int                  `json:"duration_minutes"`
	Reason          string               `json:"reason"`
	BlockType       string               `json:"block_type"`
	Recurrence      *string              `json:"recurrence,omitempty"`
}

// BlockTime marks an interval on one date as unavailable.
func (s *Service) BlockTime(ctx context.Context, actor Actor, counselorID uuid.UUID, in BlockInput) (*ScheduleBlock, error) {
	ctx, span := tracer.Start(ctx, "counseling.block_time")
	defer span.End()

	b, err := s.blockTime(ctx, actor, counselorID, in)
	var id uuid.UUID
	if b != nil {
		id = b.ID
	}
	s.record(ctx, "block", id, err)
	return b, err
}

func (s *Service) blockTime(ctx context.Context, actor Actor, counselorID uuid.UUID, in BlockInput) (*ScheduleBlock, error) {
	if err := authorizeCounselor(actor, counselorID); err != nil {
		return nil, err
	}
	if in.Date.IsZero() {
		return nil, invalid("date", "is required")
	}
	if in.DurationMinutes <= 0 {
		return nil, invalid("duration_minutes", "must be positive")
	}
	w := timewindow.NewWindow(in.Start, in.DurationMinutes)
	if w.Start < 0 || w.End > timewindow.NewTimeOfDay(24, 0) {
		return nil, invalid("start", "block must fit within a single day")
	}
	if in.BlockType == "" {
		in.BlockType = "personal"
	}

	var out *ScheduleBlock
	err := s.tx.InCounselorTx(ctx, counselorID, func(ctx context.Context) error {
		now := s.clock.Now()
		if err := s.checker.CheckBlock(ctx, counselorID, in.Date, w, now); err != nil {
			return err
		}
		b := &ScheduleBlock{
			ID:          uuid.New(),
			CounselorID: counselorID,
			Date:        in.Date,
			StartTime:   w.Start,
			EndTime:     w.End,
			Reason:      strings.TrimSpace(in.Reason),
			BlockType:   in.BlockType,
			Recurrence:  in.Recurrence,
			CreatedBy:   actor.performer(),
			CreatedAt:   now,
		}
		if err := s.blocks.Create(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, classify("block time", err)
	}
	return out, nil
}

// UnblockTime deletes one of the counselor's blocks.
func (s *Service) UnblockTime(ctx context.Context, actor Actor, counselorID, blockID uuid.UUID) error {
	if err := authorizeCounselor(actor, counselorID); err != nil {
		return err
	}
	err := s.tx.InCounselorTx(ctx, counselorID, func(ctx context.Context) error {
		b, err := s.blocks.GetByID(ctx, blockID)
		if err != nil {
			return err
		}
		if b.CounselorID != counselorID {
			return &NotFoundError{Entity: "block", ID: blockID.String()}
		}
		return s.blocks.Delete(ctx, blockID)
	})
	return classify("unblock time", err)
}

// ListBlocks returns the counselor's blocks on date.
func (s *Service) ListBlocks(ctx context.Context, counselorID uuid.UUID, date timewindow.Date) ([]*ScheduleBlock, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	bs, err := s.blocks.ListByCounselorDate(ctx, counselorID, date)
	return bs, classify("list blocks", err)
}

type AvailabilityInput struct {
	DayOfWeek       time.Weekday          `json:"day_of_week"`
	StartTime       timewindow.TimeOfDay  `json:"start_time"`
	EndTime         timewindow.TimeOfDay  `json:"end_time"`
	LunchStart      *timewindow.TimeOfDay `json:"lunch_start,omitempty"`
	LunchEnd        *timewindow.TimeOfDay `json:"lunch_end,omitempty"`
	SessionDuration int                   `json:"session_duration"`
	BufferMinutes   *int                  `json:"buffer_minutes,omitempty"`
	IsAvailable     *bool                 `json:"is_available,omitempty"`
}

// SetAvailability replaces the counselor's template for one weekday.
func (s *Service) SetAvailability(ctx context.Context, actor Actor, counselorID uuid.UUID, in AvailabilityInput) (*Availability, error) {
	if err := authorizeCounselor(actor, counselorID); err != nil {
		return nil, err
	}
	av, err := s.newAvailability(counselorID, in)
	if err != nil {
		return nil, err
	}
	err = s.tx.InCounselorTx(ctx, counselorID, func(ctx context.Context) error {
		return s.availability.Upsert(ctx, av)
	})
	if err != nil {
		return nil, classify("set availability", err)
	}
	return av, nil
}

func (s *Service) newAvailability(counselorID uuid.UUID, in AvailabilityInput) (*Availability, error) {
	endOfDay := timewindow.NewTimeOfDay(24, 0)
	if in.DayOfWeek < time.Sunday || in.DayOfWeek > time.Saturday {
		return nil, invalid("day_of_week", "must be between 0 (Sunday) and 6 (Saturday)")
	}
	if in.StartTime < 0 || in.EndTime > endOfDay || in.StartTime >= in.EndTime {
		return nil, invalid("end_time", "must be after start_time within the same day")
	}
	if (in.LunchStart == nil) != (in.LunchEnd == nil) {
		return nil, invalid("lunch_end", "lunch_start and lunch_end must be set together")
	}
	if in.LunchStart != nil {
		lunch := timewindow.Window{Start: *in.LunchStart, End: *in.LunchEnd}
		if !lunch.Valid() || lunch.Start < in.StartTime || lunch.End > in.EndTime {
			return nil, invalid("lunch_start", "lunch must fall within working hours")
		}
	}
	if in.SessionDuration == 0 {
		in.SessionDuration = s.cfg.DefaultDuration
	}
	if in.SessionDuration < 0 {
		return nil, invalid("session_duration", "must be positive")
	}
	buffer := s.cfg.DefaultBuffer
	if in.BufferMinutes != nil {
		buffer = *in.BufferMinutes
	}
	if buffer < 0 {
		return nil, invalid("buffer_minutes", "must not be negative")
	}
	available := true
	if in.IsAvailable != nil {
		available = *in.IsAvailable
	}
	return &Availability{
		ID:              uuid.New(),
		CounselorID:     counselorID,
		DayOfWeek:       in.DayOfWeek,
		StartTime:       in.StartTime,
		EndTime:         in.EndTime,
		LunchStart:      in.LunchStart,
		LunchEnd:        in.LunchEnd,
		SessionDuration: in.SessionDuration,
		BufferMinutes:   buffer,
		IsAvailable:     available,
		UpdatedAt:       s.clock.Now(),
	}, nil
}

// ListAvailability returns the counselor's weekly template ordered by day.
func (s *Service) ListAvailability(ctx context.Context, counselorID uuid.UUID) ([]*Availability, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	avs, err := s.availability.ListByCounselor(ctx, counselorID)
	return avs, classify("list availability", err)
}

// FreeSlots lists bookable start times for the counselor on date. A zero
// duration means the default session length.
func (s *Service) FreeSlots(ctx context.Context, counselorID uuid.UUID, date timewindow.Date, durationMinutes int) ([]timewindow.TimeOfDay, error) {
	if date.IsZero() {
		return nil, invalid("date", "is required")
	}
	if durationMinutes == 0 {
		durationMinutes = s.cfg.DefaultDuration
	}
	if durationMinutes < 0 {
		return nil, invalid("duration", "must be positive")
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	slots, err := s.checker.FreeSlots(ctx, counselorID, date, durationMinutes, s.cfg.SlotStep, s.clock.Now())
	return slots, classify("free slots", err)
}

// -- Reads --

// GetAppointment returns an appointment visible to actor.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.getByID(ctx, id)
	if err != nil {
		return nil, classify("get appointment", err)
	}
	if err := authorize(actor, a, RoleStudent, RoleCounselor, RoleAdmin, RoleSystem); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAppointments searches appointments. Students and counselors only see
// their own.
func (s *Service) ListAppointments(ctx context.Context, actor Actor, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	switch actor.Role {
	case RoleStudent:
		id := actor.ID
		f.StudentID = &id
	case RoleCounselor:
		id := actor.ID
		f.CounselorID = &id
	}
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, invalid("status", "unknown status "+string(f.Status))
	}
	if f.Priority != "" && !validPriorities[f.Priority] {
		return nil, 0, invalid("priority", "unknown priority "+string(f.Priority))
	}
	if f.StartsFrom != nil && f.StartsBefore != nil && !f.StartsBefore.After(*f.StartsFrom) {
		return nil, 0, invalid("to", "must be after from")
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	items, total, err := s.appointments.Search(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, classify("list appointments", err)
	}
	return items, total, nil
}

// ListCounselors returns the active counselors an admin can assign to.
func (s *Service) ListCounselors(ctx context.Context, actor Actor) ([]*Counselor, error) {
	if actor.Role != RoleAdmin && actor.Role != RoleSystem {
		return nil, &NotFoundError{Entity: "counselors", ID: "all"}
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	cs, err := s.directory.ListCounselors(ctx)
	return cs, classify("list counselors", err)
}

// History returns the audit trail of an appointment, oldest first.
func (s *Service) History(ctx context.Context, actor Actor, id uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := s.GetAppointment(ctx, actor, id); err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	hs, err := s.history.ListByAppointment(ctx, id)
	return hs, classify("list history", err)
}

// Reminders returns the reminders computed for an appointment.
func (s *Service) Reminders(ctx context.Context, actor Actor, id uuid.UUID) ([]*Reminder, error) {
	if _, err := s.GetAppointment(ctx, actor, id); err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	rs, err := s.reminders.ListByAppointment(ctx, id)
	return rs, classify("list reminders", err)
}

// AddNote appends text to the note field belonging to the actor's role.
func (s *Service) AddNote(ctx context.Context, actor Actor, id uuid.UUID, text string) (*Appointment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("text", "is required")
	}
	var out *Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(actor, a, RoleStudent, RoleCounselor, RoleAdmin); err != nil {
			return err
		}
		switch actor.Role {
		case RoleStudent:
			a.StudentNotes = appendNote(a.StudentNotes, text)
		case RoleCounselor:
			a.CounselorNotes = appendNote(a.CounselorNotes, text)
		default:
			a.AdminNotes = appendNote(a.AdminNotes, text)
		}
		a.UpdatedAt = s.clock.Now()
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, classify("add note", err)
	}
	return out, nil
}

// EscalatePriorities ages pending requests into higher priority.
func (s *Service) EscalatePriorities(ctx context.Context) (int, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	n, err := s.appointments.EscalatePending(ctx, s.cfg.Escalation, s.clock.Now())
	if err != nil {
		return 0, classify("escalate priorities", err)
	}
	s.metrics.ObserveEscalated(n)
	return n, nil
}

func appendNote(existing, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return existing
	}
	if existing == "" {
		return text
	}
	return existing + "\n" + text
}

// record logs and counts the outcome of an engine operation. Illegal
// transitions are logged above conflicts.
func (s *Service) record(ctx context.Context, op string, id uuid.UUID, err error) {
	kind := KindOf(err)
	outcome := "ok"
	if err != nil {
		outcome = kind.String()
	}
	s.metrics.ObserveTransition(op, outcome)
	if err == nil {
		s.logger.Debug().Str("op", op).Str("appointment_id", id.String()).Msg("appointment updated")
		return
	}

	var ev *zerolog.Event
	switch kind {
	case KindIllegalTransition:
		ev = s.logger.Warn()
	case KindConflict:
		var ce *ConflictError
		if errors.As(err, &ce) {
			s.metrics.ObserveConflict(string(ce.Reason))
		}
		ev = s.logger.Info()
	case KindValidation, KindNotFound:
		ev = s.logger.Debug()
	default:
		ev = s.logger.Error()
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("outcome", outcome))
	}
	ev.Err(err).Str("op", op).Str("appointment_id", id.String()).Str("kind", outcome).Msg("appointment operation rejected")
}
