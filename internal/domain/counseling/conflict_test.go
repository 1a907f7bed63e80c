package counseling

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/counsel/counsel/pkg/timewindow"
)

func expectConflict(t *testing.T, err error, reason ConflictReason) {
	t.Helper()
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict %q, got %v", reason, err)
	}
	if ce.Reason != reason {
		t.Fatalf("expected conflict %q, got %q (%s)", reason, ce.Reason, ce.Detail)
	}
}

func TestCheck_BufferAfterExistingAppointment(t *testing.T) {
	env := newTestEnv()
	env.scheduled(at(monday, 10, 0), 60)
	ctx := context.Background()
	checker := env.svc.Checker()

	tests := []struct {
		name     string
		start    time.Time
		duration int
		reason   ConflictReason
	}{
		{"clear of buffer", at(monday, 11, 15), 45, ""},
		{"inside trailing buffer", at(monday, 11, 5), 55, ReasonExistingAppointment},
		{"ends inside trailing buffer", at(monday, 11, 10), 50, ReasonExistingAppointment},
		{"ends inside leading buffer", at(monday, 9, 0), 50, ReasonExistingAppointment},
		{"ends at leading buffer", at(monday, 9, 0), 45, ""},
		{"exact overlap", at(monday, 10, 0), 60, ReasonExistingAppointment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: tt.start, DurationMinutes: tt.duration}, testNow)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("expected slot to be free, got %v", err)
				}
				return
			}
			expectConflict(t, err, tt.reason)
		})
	}
}

func TestCheck_LunchAndHours(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	checker := env.svc.Checker()

	tests := []struct {
		name     string
		start    time.Time
		duration int
	}{
		{"inside lunch", at(monday, 12, 15), 30},
		{"spans lunch", at(monday, 11, 30), 60},
		{"before opening", at(monday, 8, 30), 60},
		{"past closing", at(monday, 16, 30), 60},
		{"weekend", at(monday.AddDays(5), 10, 0), 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: tt.start, DurationMinutes: tt.duration}, testNow)
			expectConflict(t, err, ReasonAvailability)
		})
	}
}

func TestCheck_UnavailableDayTemplate(t *testing.T) {
	env := newTestEnv()
	env.store.avail[availKey{env.counselor.ID, time.Monday}].IsAvailable = false

	err := env.svc.Checker().Check(context.Background(), Candidate{
		CounselorID: env.counselor.ID, Start: at(monday, 10, 0), DurationMinutes: 60,
	}, testNow)
	expectConflict(t, err, ReasonAvailability)
}

func TestCheck_PastWinsOverEverything(t *testing.T) {
	env := newTestEnv()
	// 07:00 Monday is in the past, outside hours, and on top of nothing.
	err := env.svc.Checker().Check(context.Background(), Candidate{
		CounselorID: env.counselor.ID, Start: at(monday, 7, 0), DurationMinutes: 60,
	}, testNow)
	expectConflict(t, err, ReasonPast)

	err = env.svc.Checker().Check(context.Background(), Candidate{
		CounselorID: env.counselor.ID, Start: testNow, DurationMinutes: 60,
	}, testNow)
	expectConflict(t, err, ReasonPast)
}

func TestCheck_AvailabilityBeforeBlock(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	if _, err := env.svc.BlockTime(ctx, env.counselor, env.counselor.ID, BlockInput{
		Date: monday, Start: timewindow.NewTimeOfDay(11, 0), DurationMinutes: 120, Reason: "training",
	}); err != nil {
		t.Fatalf("BlockTime: %v", err)
	}
	// Overlaps both the block and lunch; availability is reported first.
	err := env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: at(monday, 11, 30), DurationMinutes: 60}, testNow)
	expectConflict(t, err, ReasonAvailability)

	err = env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: at(monday, 11, 0), DurationMinutes: 60}, testNow)
	expectConflict(t, err, ReasonBlocked)
}

func TestBlockTime_ThenAssignIntoBlock(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	b, err := env.svc.BlockTime(ctx, env.counselor, env.counselor.ID, BlockInput{
		Date: tuesday, Start: timewindow.NewTimeOfDay(14, 0), DurationMinutes: 60, Reason: "staff meeting",
	})
	if err != nil {
		t.Fatalf("BlockTime: %v", err)
	}
	if b.BlockType != "personal" || b.EndTime != timewindow.NewTimeOfDay(15, 0) {
		t.Errorf("unexpected block %+v", b)
	}

	a := env.request(at(tuesday, 14, 30), 60)
	_, err = env.svc.AssignCounselor(ctx, env.admin, a.ID, AssignInput{
		CounselorID: env.counselor.ID, ScheduledStart: tp(at(tuesday, 14, 30)),
	})
	expectConflict(t, err, ReasonBlocked)
	if got := env.get(a.ID); got.Status != StatusPending || got.CounselorID != nil {
		t.Errorf("failed assignment must leave the request untouched, got %s", got.Status)
	}
	if env.metrics.conflicts[string(ReasonBlocked)] != 1 {
		t.Errorf("expected one blocked conflict to be counted, got %v", env.metrics.conflicts)
	}

	// The other counselor is not affected by the block.
	if _, err := env.svc.AssignCounselor(ctx, env.admin, a.ID, AssignInput{
		CounselorID: env.other.ID, ScheduledStart: tp(at(tuesday, 14, 30)),
	}); err != nil {
		t.Fatalf("assign to other counselor: %v", err)
	}
}

func TestBlockTime_Rules(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.scheduled(at(monday, 10, 0), 60)

	// Blocks ignore buffers but not the appointment itself.
	_, err := env.svc.BlockTime(ctx, env.counselor, env.counselor.ID, BlockInput{
		Date: monday, Start: timewindow.NewTimeOfDay(10, 30), DurationMinutes: 60,
	})
	expectConflict(t, err, ReasonExistingAppointment)

	if _, err := env.svc.BlockTime(ctx, env.counselor, env.counselor.ID, BlockInput{
		Date: monday, Start: timewindow.NewTimeOfDay(11, 0), DurationMinutes: 30,
	}); err != nil {
		t.Fatalf("block adjacent to appointment: %v", err)
	}

	_, err = env.svc.BlockTime(ctx, env.counselor, env.counselor.ID, BlockInput{
		Date: monday, Start: timewindow.NewTimeOfDay(11, 15), DurationMinutes: 30,
	})
	expectConflict(t, err, ReasonBlocked)

	_, err = env.svc.BlockTime(ctx, env.counselor, env.counselor.ID, BlockInput{
		Date: monday, Start: timewindow.NewTimeOfDay(7, 0), DurationMinutes: 30,
	})
	expectConflict(t, err, ReasonPast)

	_, err = env.svc.BlockTime(ctx, env.counselor, env.counselor.ID, BlockInput{
		Date: monday, Start: timewindow.NewTimeOfDay(23, 30), DurationMinutes: 60,
	})
	if KindOf(err) != KindValidation {
		t.Errorf("expected validation error for block past midnight, got %v", err)
	}

	_, err = env.svc.BlockTime(ctx, env.other, env.counselor.ID, BlockInput{
		Date: tuesday, Start: timewindow.NewTimeOfDay(9, 0), DurationMinutes: 30,
	})
	if KindOf(err) != KindNotFound {
		t.Errorf("expected another counselor's calendar to be invisible, got %v", err)
	}
}

func TestUnblockTime(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	b, err := env.svc.BlockTime(ctx, env.counselor, env.counselor.ID, BlockInput{
		Date: tuesday, Start: timewindow.NewTimeOfDay(14, 0), DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("BlockTime: %v", err)
	}

	if err := env.svc.UnblockTime(ctx, env.other, env.other.ID, b.ID); KindOf(err) != KindNotFound {
		t.Errorf("expected not found for foreign block, got %v", err)
	}
	if err := env.svc.UnblockTime(ctx, env.counselor, env.counselor.ID, b.ID); err != nil {
		t.Fatalf("UnblockTime: %v", err)
	}
	bs, err := env.svc.ListBlocks(ctx, env.counselor.ID, tuesday)
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	if len(bs) != 0 {
		t.Errorf("expected no blocks left, got %d", len(bs))
	}
	if err := env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: at(tuesday, 14, 0), DurationMinutes: 60}, testNow); err != nil {
		t.Errorf("expected unblocked slot to be free, got %v", err)
	}
}

func TestCheck_ExcludeAndInactive(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := env.scheduled(at(monday, 10, 0), 60)

	err := env.svc.Checker().Check(ctx, Candidate{
		CounselorID: env.counselor.ID, Start: at(monday, 10, 30), DurationMinutes: 60, ExcludeID: a.ID,
	}, testNow)
	if err != nil {
		t.Errorf("expected an appointment not to conflict with itself, got %v", err)
	}

	if _, err := env.svc.Cancel(ctx, env.student, a.ID, "feeling better"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	err = env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: at(monday, 10, 0), DurationMinutes: 60}, testNow)
	if err != nil {
		t.Errorf("expected cancelled appointment to free its slot, got %v", err)
	}
}

func TestCheck_PaddingCrossesMidnight(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	// Late shift on Monday so a session can end near midnight.
	mon := env.store.avail[availKey{env.counselor.ID, time.Monday}]
	mon.EndTime = timewindow.NewTimeOfDay(24, 0)
	tue := env.store.avail[availKey{env.counselor.ID, time.Tuesday}]
	tue.StartTime = 0

	env.scheduled(at(monday, 23, 0), 55)

	err := env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: at(tuesday, 0, 5), DurationMinutes: 30}, testNow)
	expectConflict(t, err, ReasonExistingAppointment)

	if err := env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: at(tuesday, 0, 10), DurationMinutes: 30}, testNow); err != nil {
		t.Errorf("expected slot after the buffer to be free, got %v", err)
	}
}

func TestCheck_StorageFailureIsTransient(t *testing.T) {
	env := newTestEnv()
	env.store.failNext = errStorageDown
	err := env.svc.Checker().Check(context.Background(), Candidate{
		CounselorID: env.counselor.ID, Start: at(monday, 10, 0), DurationMinutes: 60,
	}, testNow)
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, errStorageDown) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
}

func TestFreeSlots(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.scheduled(at(monday, 10, 0), 60)

	slots, err := env.svc.FreeSlots(ctx, env.counselor.ID, monday, 60)
	if err != nil {
		t.Fatalf("FreeSlots: %v", err)
	}
	want := []string{"13:00", "13:30", "14:00", "14:30", "15:00", "15:30", "16:00"}
	if len(slots) != len(want) {
		t.Fatalf("expected %v, got %v", want, slots)
	}
	for i, s := range slots {
		if s.String() != want[i] {
			t.Errorf("slot %d: expected %s, got %s", i, want[i], s)
		}
	}

	// Every listed slot must pass the checker.
	for _, s := range slots {
		if err := env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: monday.At(s, time.UTC), DurationMinutes: 60}, testNow); err != nil {
			t.Errorf("slot %s rejected by checker: %v", s, err)
		}
	}
}

func TestFreeSlots_SkipsPastAndNonWorkingDays(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.clock.Set(at(monday, 15, 10))

	slots, err := env.svc.FreeSlots(ctx, env.counselor.ID, monday, 0)
	if err != nil {
		t.Fatalf("FreeSlots: %v", err)
	}
	if len(slots) != 2 || slots[0].String() != "15:30" || slots[1].String() != "16:00" {
		t.Errorf("expected 15:30 and 16:00, got %v", slots)
	}

	slots, err = env.svc.FreeSlots(ctx, env.counselor.ID, monday.AddDays(6), 60)
	if err != nil {
		t.Fatalf("FreeSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("expected no slots on Sunday, got %v", slots)
	}

	if _, err := env.svc.FreeSlots(ctx, env.counselor.ID, monday, -5); KindOf(err) != KindValidation {
		t.Errorf("expected validation error for negative duration, got %v", err)
	}
}

func TestFreeSlots_RejectsNonPositiveStep(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	checker := env.svc.Checker()

	for _, step := range []int{0, -15} {
		done := make(chan error, 1)
		go func() {
			_, err := checker.FreeSlots(ctx, env.counselor.ID, monday, 60, step, testNow)
			done <- err
		}()
		select {
		case err := <-done:
			if KindOf(err) != KindValidation {
				t.Errorf("step %d: expected validation error, got %v", step, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("step %d: FreeSlots did not return", step)
		}
	}
	if _, err := checker.FreeSlots(ctx, env.counselor.ID, monday, 0, 30, testNow); KindOf(err) != KindValidation {
		t.Errorf("expected validation error for zero duration, got %v", err)
	}
}

// Randomly booked calendars never end up with two active appointments
// closer than the buffer, inside lunch, or outside working hours.
func TestAssign_RandomBookingsNeverOverlap(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	durations := []int{30, 45, 60}

	booked := 0
	for i := 0; i < 200; i++ {
		day := monday.AddDays(rng.Intn(5))
		start := at(day, 9, 0).Add(time.Duration(rng.Intn(96)*5) * time.Minute)
		a := env.request(start, durations[rng.Intn(len(durations))])
		_, err := env.svc.AssignCounselor(ctx, env.admin, a.ID, AssignInput{CounselorID: env.counselor.ID, ScheduledStart: &start})
		switch KindOf(err) {
		case KindUnknown:
			booked++
		case KindConflict:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if booked == 0 {
		t.Fatal("expected at least one booking")
	}

	var active []*Appointment
	for _, a := range env.store.appts {
		if a.Status.Active() && a.ownedByCounselor(env.counselor.ID) {
			active = append(active, a)
		}
	}
	if len(active) != booked {
		t.Fatalf("expected %d active appointments, got %d", booked, len(active))
	}
	lunch := timewindow.Window{Start: timewindow.NewTimeOfDay(12, 0), End: timewindow.NewTimeOfDay(13, 0)}
	hours := timewindow.BusinessHours{Open: timewindow.NewTimeOfDay(9, 0), Close: timewindow.NewTimeOfDay(17, 0), Lunch: &lunch}
	for i, a := range active {
		d, s := timewindow.Locate(*a.ScheduledStart, time.UTC)
		if !timewindow.WithinBusinessHours(timewindow.NewWindow(s, a.DurationMinutes), hours) {
			t.Errorf("appointment %s at %s outside working hours", a.ID, a.ScheduledStart)
		}
		for _, b := range active[i+1:] {
			if e := timewindow.DateOf(*b.ScheduledStart); e != d {
				continue
			}
			wa := timewindow.NewWindow(s, a.DurationMinutes)
			wb := timewindow.NewWindow(timewindow.Offset(d, *b.ScheduledStart), b.DurationMinutes)
			if timewindow.Overlaps(timewindow.WithBuffer(wa, 15), wb) {
				t.Errorf("appointments %s and %s are closer than the buffer", wa, wb)
			}
		}
	}
}

func TestHoldSlot_ConcurrentDoubleBooking(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.HoldSlot(ctx, env.counselor, env.counselor.ID, HoldInput{
				Start: at(tuesday, 14, 0), DurationMinutes: 60, Reason: "case review",
			})
			mu.Lock()
			defer mu.Unlock()
			switch KindOf(err) {
			case KindUnknown:
				succeeded++
			case KindConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != workers-1 {
		t.Fatalf("expected exactly one hold, got %d succeeded and %d conflicts", succeeded, conflicts)
	}
}

func TestAssign_ConcurrentRequestsForSameSlot(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = env.request(at(tuesday, 10, 0), 60).ID
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := env.svc.AssignCounselor(ctx, env.admin, id, AssignInput{
				CounselorID: env.counselor.ID, ScheduledStart: tp(at(tuesday, 10, 0)),
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else if KindOf(err) != KindConflict {
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected exactly one assignment to win, got %d", ok)
	}
}

func TestHoldSlot_CancelReleases(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	hold, err := env.svc.HoldSlot(ctx, env.counselor, env.counselor.ID, HoldInput{Start: at(tuesday, 9, 0), Reason: "supervision"})
	if err != nil {
		t.Fatalf("HoldSlot: %v", err)
	}
	if hold.Status != StatusBlocked || hold.StudentID != nil || hold.DurationMinutes != 60 {
		t.Errorf("unexpected hold %+v", hold)
	}

	err = env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: at(tuesday, 9, 30), DurationMinutes: 30}, testNow)
	expectConflict(t, err, ReasonExistingAppointment)

	if _, err := env.svc.Cancel(ctx, env.counselor, hold.ID, "no longer needed"); err != nil {
		t.Fatalf("Cancel hold: %v", err)
	}
	if err := env.svc.Checker().Check(ctx, Candidate{CounselorID: env.counselor.ID, Start: at(tuesday, 9, 30), DurationMinutes: 30}, testNow); err != nil {
		t.Errorf("expected released hold to free the slot, got %v", err)
	}

	if _, err := env.svc.HoldSlot(ctx, env.student, env.counselor.ID, HoldInput{Start: at(tuesday, 9, 0)}); KindOf(err) != KindNotFound {
		t.Errorf("expected students to be unable to hold slots, got %v", err)
	}
}

func TestCheck_SecondsWidenWindows(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	// A row carrying seconds ends at 11:00:59, so the buffer runs to 11:15:59.
	env.seed(StatusScheduled, tp(at(monday, 10, 0).Add(59*time.Second)))

	a := env.request(at(monday, 11, 15), 45)
	_, err := env.svc.AssignCounselor(ctx, env.admin, a.ID, AssignInput{
		CounselorID: env.counselor.ID, ScheduledStart: tp(at(monday, 11, 15)),
	})
	expectConflict(t, err, ReasonExistingAppointment)

	if err := env.svc.Checker().Check(ctx, Candidate{
		CounselorID: env.counselor.ID, Start: at(monday, 11, 16), DurationMinutes: 44,
	}, testNow); err != nil {
		t.Errorf("expected the first minute after the widened buffer to be free, got %v", err)
	}

	err = env.svc.Checker().Check(ctx, Candidate{
		CounselorID: env.counselor.ID, Start: at(monday, 16, 0).Add(30 * time.Second), DurationMinutes: 60,
	}, testNow)
	expectConflict(t, err, ReasonAvailability)
}
