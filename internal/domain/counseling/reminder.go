package counseling

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultReminderOffsets are minutes before the session: a day and an hour.
var DefaultReminderOffsets = []int{1440, 60}

const reminderTypeEmail = "email"

// buildReminders derives the reminder rows for an appointment that has just
// entered Scheduled. Offsets whose fire time has already passed are skipped.
func buildReminders(a *Appointment, offsets []int, now time.Time) []*Reminder {
	if a.ScheduledStart == nil {
		return nil
	}
	type recipient struct {
		kind RecipientType
		id   *uuid.UUID
	}
	recipients := []recipient{{RecipientStudent, a.StudentID}, {RecipientCounselor, a.CounselorID}}

	var out []*Reminder
	for _, minutes := range offsets {
		fireAt := a.ScheduledStart.Add(-time.Duration(minutes) * time.Minute)
		if !fireAt.After(now) {
			continue
		}
		for _, r := range recipients {
			if r.id == nil {
				continue
			}
			out = append(out, &Reminder{
				ID:            uuid.New(),
				AppointmentID: a.ID,
				ReminderType:  reminderTypeEmail,
				RecipientType: r.kind,
				RecipientID:   *r.id,
				ScheduledFor:  *a.ScheduledStart,
				MinutesBefore: minutes,
				FireAt:        fireAt,
				CreatedAt:     now,
			})
		}
	}
	return out
}

// ReminderPoller marks due reminders eligible and hands them to the
// notification port. Claiming, delivery and marking happen in one
// transaction, so a reminder is delivered at most once per successful run.
type ReminderPoller struct {
	tx        Transactor
	reminders ReminderRepository
	directory Directory
	notifier  NotificationPort
	clock     Clock
	metrics   Metrics
	logger    zerolog.Logger
	loc       *time.Location
	batch     int
}

type PollerConfig struct {
	BatchSize int
	Location  *time.Location
}

func NewReminderPoller(tx Transactor, reminders ReminderRepository, dir Directory, notifier NotificationPort, clock Clock, metrics Metrics, logger zerolog.Logger, cfg PollerConfig) *ReminderPoller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clock == nil {
		clock = SystemClock()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ReminderPoller{
		tx: tx, reminders: reminders, directory: dir, notifier: notifier, clock: clock,
		metrics: metrics, logger: logger.With().Str("component", "reminder_poller").Logger(),
		loc: cfg.Location, batch: cfg.BatchSize,
	}
}

// RunOnce fires every due reminder and returns how many were delivered. A
// reminder whose delivery fails stays unsent and is retried on the next run.
func (p *ReminderPoller) RunOnce(ctx context.Context) (int, error) {
	now := p.clock.Now()
	delivered := 0
	err := p.tx.InTx(ctx, func(ctx context.Context) error {
		due, err := p.reminders.ClaimDue(ctx, now, p.batch)
		if err != nil {
			return err
		}
		for _, r := range due {
			if err := p.deliver(ctx, r); err != nil {
				p.metrics.ObserveReminder("failed")
				p.logger.Warn().Err(err).
					Str("reminder_id", r.ID.String()).
					Str("appointment_id", r.AppointmentID.String()).
					Msg("reminder delivery failed")
				continue
			}
			if err := p.reminders.MarkSent(ctx, r.ID, now); err != nil {
				return err
			}
			p.metrics.ObserveReminder("sent")
			delivered++
		}
		return nil
	})
	if err != nil {
		return 0, classify("fire reminders", err)
	}
	if delivered > 0 {
		p.logger.Info().Int("delivered", delivered).Msg("reminders fired")
	}
	return delivered, nil
}

func (p *ReminderPoller) deliver(ctx context.Context, r *DueReminder) error {
	email, err := p.directory.Email(ctx, r.RecipientID)
	if err != nil {
		return err
	}
	start := r.ScheduledFor.In(p.loc)
	data := map[string]string{
		"appointment_id": r.AppointmentID.String(),
		"recipient_type": string(r.RecipientType),
		"topic":          r.Topic,
		"mode":           string(r.Mode),
		"date":           start.Format(time.DateOnly),
		"time":           start.Format("15:04"),
		"duration":       strconv.Itoa(r.Duration),
		"minutes_before": strconv.Itoa(r.MinutesBefore),
	}
	if r.RoomNumber != nil {
		data["room_number"] = *r.RoomNumber
	}
	if r.MeetingLink != nil {
		data["meeting_link"] = *r.MeetingLink
	}
	return p.notifier.Send(ctx, email, TemplateReminder, data)
}

// Run calls RunOnce every interval until ctx is cancelled. When escalate is
// non-nil it runs on the same tick.
func (p *ReminderPoller) Run(ctx context.Context, interval time.Duration, escalate func(context.Context) (int, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", interval).Msg("reminder poller started")
	for {
		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.Error().Err(err).Msg("reminder run failed")
		}
		if escalate != nil {
			if n, err := escalate(ctx); err != nil {
				p.logger.Error().Err(err).Msg("priority escalation failed")
			} else if n > 0 {
				p.logger.Info().Int("escalated", n).Msg("pending priorities escalated")
			}
		}
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("reminder poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}
