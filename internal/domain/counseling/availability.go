package counseling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/counsel/counsel/pkg/timewindow"
)

// FreeSlots lists every step-aligned start time on date at which a session of
// the given length can be booked with the counselor. The day is loaded once
// and each slot is judged in memory with the same rules as ConflictChecker.
func (c *ConflictChecker) FreeSlots(ctx context.Context, counselorID uuid.UUID, date timewindow.Date, durationMinutes, stepMinutes int, now time.Time) ([]timewindow.TimeOfDay, error) {
	if durationMinutes <= 0 {
		return nil, invalid("duration", "must be positive")
	}
	if stepMinutes <= 0 {
		return nil, invalid("step", "must be positive")
	}
	ctx, span := tracer.Start(ctx, "counseling.free_slots")
	defer span.End()

	day, err := c.loadDay(ctx, counselorID, date, uuid.Nil)
	if err != nil {
		return nil, err
	}
	slots := []timewindow.TimeOfDay{}
	if day.hours == nil {
		return slots, nil
	}
	for at := day.hours.Open; at.Add(durationMinutes) <= day.hours.Close; at = at.Add(stepMinutes) {
		if !date.At(at, c.loc).After(now) {
			continue
		}
		if day.evaluate(timewindow.NewWindow(at, durationMinutes)) == nil {
			slots = append(slots, at)
		}
	}
	return slots, nil
}
