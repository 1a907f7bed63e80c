package counseling

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Notification templates understood by the delivery collaborator.
const (
	TemplateAssigned    = "appointment_assigned"
	TemplateConfirmed   = "appointment_confirmed"
	TemplateReturned    = "appointment_returned"
	TemplateRescheduled = "appointment_rescheduled"
	TemplateCancelled   = "appointment_cancelled"
	TemplateCompleted   = "session_completed"
	TemplateReminder    = "appointment_reminder"
)

type notice struct {
	recipient uuid.UUID
	template  string
	data      map[string]string
}

func (s *Service) noticeData(a *Appointment) map[string]string {
	data := map[string]string{
		"appointment_id": a.ID.String(),
		"topic":          a.Topic,
		"mode":           string(a.Mode),
		"status":         string(a.Status),
		"duration":       strconv.Itoa(a.DurationMinutes),
	}
	if a.ScheduledStart != nil {
		start := a.ScheduledStart.In(s.cfg.Location)
		data["date"] = start.Format(time.DateOnly)
		data["time"] = start.Format("15:04")
	}
	if a.RoomNumber != nil {
		data["room_number"] = *a.RoomNumber
	}
	if a.MeetingLink != nil {
		data["meeting_link"] = *a.MeetingLink
	}
	return data
}

func (s *Service) noticeTo(id *uuid.UUID, template string, a *Appointment, extra map[string]string) []notice {
	if id == nil {
		return nil
	}
	data := s.noticeData(a)
	for k, v := range extra {
		data[k] = v
	}
	return []notice{{recipient: *id, template: template, data: data}}
}

// notify runs after commit. Delivery failures are logged and never undo the
// transition that produced them.
func (s *Service) notify(ctx context.Context, notices []notice) {
	if s.notifier == nil || len(notices) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range notices {
		s.deliver(ctx, n)
	}
}

// deliver sends one notice within the query timeout, so a stalled directory
// or mail relay cannot hold the request that triggered it.
func (s *Service) deliver(ctx context.Context, n notice) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	email, err := s.directory.Email(ctx, n.recipient)
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient", n.recipient.String()).Str("template", n.template).Msg("notification recipient lookup failed")
		return
	}
	if err := s.notifier.Send(ctx, email, n.template, n.data); err != nil {
		s.logger.Warn().Err(err).Str("recipient", n.recipient.String()).Str("template", n.template).Msg("notification send failed")
	}
}
