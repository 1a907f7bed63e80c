package counseling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/counsel/counsel/pkg/timewindow"
)

// Candidate is a proposed booking for a counselor.
type Candidate struct {
	CounselorID     uuid.UUID
	Start           time.Time
	DurationMinutes int
	// ExcludeID skips this appointment when looking for collisions, so an
	// appointment can be re-validated against its own new time.
	ExcludeID uuid.UUID
}

// ConflictChecker decides whether a candidate slot can be booked. Rules are
// checked in a fixed order and only the first failing rule is reported:
// past, availability, blocked, existing appointment.
type ConflictChecker struct {
	availability  AvailabilityRepository
	blocks        BlockRepository
	appointments  AppointmentRepository
	loc           *time.Location
	defaultBuffer int
}

func NewConflictChecker(av AvailabilityRepository, blocks BlockRepository, appts AppointmentRepository, loc *time.Location, defaultBuffer int) *ConflictChecker {
	if loc == nil {
		loc = time.UTC
	}
	return &ConflictChecker{availability: av, blocks: blocks, appointments: appts, loc: loc, defaultBuffer: defaultBuffer}
}

// Check returns nil when the candidate is free, a *ConflictError when it is
// not, or a storage error.
func (c *ConflictChecker) Check(ctx context.Context, cand Candidate, now time.Time) error {
	ctx, span := tracer.Start(ctx, "counseling.conflict_check")
	defer span.End()
	span.SetAttributes(
		attribute.String("counselor_id", cand.CounselorID.String()),
		attribute.String("start", cand.Start.UTC().Format(time.RFC3339)),
	)

	if !cand.Start.After(now) {
		span.SetAttributes(attribute.String("conflict", string(ReasonPast)))
		return &ConflictError{Reason: ReasonPast}
	}

	date, _ := timewindow.Locate(cand.Start, c.loc)
	day, err := c.loadDay(ctx, cand.CounselorID, date, cand.ExcludeID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if cerr := day.evaluate(timewindow.Span(date, cand.Start.In(c.loc), cand.DurationMinutes)); cerr != nil {
		span.SetAttributes(attribute.String("conflict", string(cerr.Reason)))
		return cerr
	}
	return nil
}

// daySchedule is everything the checker needs to judge slots on one date.
type daySchedule struct {
	date   timewindow.Date
	hours  *timewindow.BusinessHours
	buffer int
	blocks []timewindow.Window
	// appts are the unpadded windows of active appointments, as offsets
	// from midnight of date.
	appts []timewindow.Window
}

func (c *ConflictChecker) loadDay(ctx context.Context, counselorID uuid.UUID, date timewindow.Date, exclude uuid.UUID) (*daySchedule, error) {
	day := &daySchedule{date: date, buffer: c.defaultBuffer}

	av, err := c.availability.Get(ctx, counselorID, date.Weekday())
	switch {
	case err == nil:
		day.buffer = av.BufferMinutes
		if av.IsAvailable {
			h := av.Hours()
			day.hours = &h
		}
	case KindOf(err) == KindNotFound:
		// No template for this weekday: the counselor does not work it.
	default:
		return nil, classify("load availability", err)
	}

	blocks, err := c.blocks.ListByCounselorDate(ctx, counselorID, date)
	if err != nil {
		return nil, classify("load blocks", err)
	}
	for _, b := range blocks {
		day.blocks = append(day.blocks, b.Window())
	}

	// Padded appointments from the neighbouring days can reach into this one.
	from := date.AddDays(-1).At(0, c.loc)
	to := date.AddDays(2).At(0, c.loc)
	appts, err := c.appointments.ListActive(ctx, counselorID, from, to)
	if err != nil {
		return nil, classify("load appointments", err)
	}
	for _, a := range appts {
		if a.ID == exclude || a.ScheduledStart == nil || !a.Status.Active() {
			continue
		}
		day.appts = append(day.appts, timewindow.Span(date, a.ScheduledStart.In(c.loc), a.DurationMinutes))
	}
	return day, nil
}

func (d *daySchedule) evaluate(w timewindow.Window) *ConflictError {
	if d.hours == nil {
		return &ConflictError{Reason: ReasonAvailability, Detail: "not working on " + d.date.Weekday().String()}
	}
	if !timewindow.WithinBusinessHours(w, *d.hours) {
		return &ConflictError{Reason: ReasonAvailability, Detail: w.String() + " outside working hours"}
	}
	for _, b := range d.blocks {
		if timewindow.Overlaps(w, b) {
			return &ConflictError{Reason: ReasonBlocked, Detail: b.String()}
		}
	}
	for _, a := range d.appts {
		if timewindow.Overlaps(w, timewindow.WithBuffer(a, d.buffer)) {
			return &ConflictError{Reason: ReasonExistingAppointment, Detail: a.String()}
		}
	}
	return nil
}

// CheckBlock decides whether the counselor may block w on date. Working
// hours and buffers do not apply to blocks; only the past, other blocks and
// the appointments themselves do.
func (c *ConflictChecker) CheckBlock(ctx context.Context, counselorID uuid.UUID, date timewindow.Date, w timewindow.Window, now time.Time) error {
	if !date.At(w.Start, c.loc).After(now) {
		return &ConflictError{Reason: ReasonPast}
	}
	day, err := c.loadDay(ctx, counselorID, date, uuid.Nil)
	if err != nil {
		return err
	}
	for _, b := range day.blocks {
		if timewindow.Overlaps(w, b) {
			return &ConflictError{Reason: ReasonBlocked, Detail: b.String()}
		}
	}
	for _, a := range day.appts {
		if timewindow.Overlaps(w, a) {
			return &ConflictError{Reason: ReasonExistingAppointment, Detail: a.String()}
		}
	}
	return nil
}
