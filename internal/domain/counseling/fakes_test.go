package counseling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/counsel/counsel/pkg/timewindow"
)

// memStore is an in-memory implementation of every repository port. Writes
// are applied immediately; fakeTx only provides the per-counselor locking.
type memStore struct {
	mu        sync.Mutex
	appts     map[uuid.UUID]*Appointment
	history   []*HistoryEntry
	avail     map[availKey]*Availability
	blocks    map[uuid.UUID]*ScheduleBlock
	reminders []*Reminder

	// failNext makes the next repository call return this error.
	failNext error
}

type availKey struct {
	counselor uuid.UUID
	day       time.Weekday
}

func newMemStore() *memStore {
	return &memStore{
		appts:  map[uuid.UUID]*Appointment{},
		avail:  map[availKey]*Availability{},
		blocks: map[uuid.UUID]*ScheduleBlock{},
	}
}

func (m *memStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

type memAppointments struct{ *memStore }

func (r memAppointments) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	r.appts[a.ID] = a.Clone()
	return nil
}

func (r memAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	a, ok := r.appts[id]
	if !ok {
		return nil, &NotFoundError{Entity: "appointment", ID: id.String()}
	}
	return a.Clone(), nil
}

func (r memAppointments) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r memAppointments) Update(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	if _, ok := r.appts[a.ID]; !ok {
		return &NotFoundError{Entity: "appointment", ID: a.ID.String()}
	}
	r.appts[a.ID] = a.Clone()
	return nil
}

func (r memAppointments) ListActive(_ context.Context, counselorID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	var out []*Appointment
	for _, a := range r.appts {
		if !a.ownedByCounselor(counselorID) || !a.Status.Active() || a.ScheduledStart == nil {
			continue
		}
		if a.ScheduledStart.Before(from) || !a.ScheduledStart.Before(to) {
			continue
		}
		out = append(out, a.Clone())
	}
	return out, nil
}

func (r memAppointments) Search(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, 0, err
	}
	var all []*Appointment
	for _, a := range r.appts {
		switch {
		case f.Status != "" && a.Status != f.Status:
			continue
		case f.CounselorID != nil && !a.ownedByCounselor(*f.CounselorID):
			continue
		case f.StudentID != nil && !a.ownedByStudent(*f.StudentID):
			continue
		case f.UpdatedSince != nil && a.UpdatedAt.Before(*f.UpdatedSince):
			continue
		case f.Priority != "" && a.Priority != f.Priority:
			continue
		case f.Unassigned && a.CounselorID != nil:
			continue
		case f.StartsFrom != nil && effectiveStart(a).Before(*f.StartsFrom):
			continue
		case f.StartsBefore != nil && !effectiveStart(a).Before(*f.StartsBefore):
			continue
		}
		all = append(all, a.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// effectiveStart mirrors COALESCE(scheduled_start, requested_start).
func effectiveStart(a *Appointment) time.Time {
	if a.ScheduledStart != nil {
		return *a.ScheduledStart
	}
	return a.RequestedStart
}

func (r memAppointments) EscalatePending(_ context.Context, policy EscalationPolicy, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return 0, err
	}
	n := 0
	for _, a := range r.appts {
		if a.Status != StatusPending {
			continue
		}
		if p := policy.escalate(a.Priority, a.CreatedAt, now); p != a.Priority {
			a.Priority = p
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

type memHistory struct{ *memStore }

func (r memHistory) Append(_ context.Context, h *HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	c := *h
	r.history = append(r.history, &c)
	return nil
}

func (r memHistory) ListByAppointment(_ context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*HistoryEntry
	for _, h := range r.history {
		if h.AppointmentID == id {
			c := *h
			out = append(out, &c)
		}
	}
	return out, nil
}

type memAvailability struct{ *memStore }

func (r memAvailability) Upsert(_ context.Context, a *Availability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	c := *a
	r.avail[availKey{a.CounselorID, a.DayOfWeek}] = &c
	return nil
}

func (r memAvailability) Get(_ context.Context, counselorID uuid.UUID, day time.Weekday) (*Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	a, ok := r.avail[availKey{counselorID, day}]
	if !ok {
		return nil, &NotFoundError{Entity: "availability", ID: counselorID.String()}
	}
	c := *a
	return &c, nil
}

func (r memAvailability) ListByCounselor(_ context.Context, counselorID uuid.UUID) ([]*Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Availability
	for k, a := range r.avail {
		if k.counselor == counselorID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayOfWeek < out[j].DayOfWeek })
	return out, nil
}

type memBlocks struct{ *memStore }

func (r memBlocks) Create(_ context.Context, b *ScheduleBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	c := *b
	r.blocks[b.ID] = &c
	return nil
}

func (r memBlocks) GetByID(_ context.Context, id uuid.UUID) (*ScheduleBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[id]
	if !ok {
		return nil, &NotFoundError{Entity: "block", ID: id.String()}
	}
	c := *b
	return &c, nil
}

func (r memBlocks) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocks[id]; !ok {
		return &NotFoundError{Entity: "block", ID: id.String()}
	}
	delete(r.blocks, id)
	return nil
}

func (r memBlocks) ListByCounselorDate(_ context.Context, counselorID uuid.UUID, date timewindow.Date) ([]*ScheduleBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	var out []*ScheduleBlock
	for _, b := range r.blocks {
		if b.CounselorID == counselorID && b.Date == date {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

type memReminders struct{ *memStore }

func (r memReminders) CreateBatch(_ context.Context, rs []*Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	for _, n := range rs {
		dup := false
		for _, e := range r.reminders {
			if e.AppointmentID == n.AppointmentID && e.ScheduledFor.Equal(n.ScheduledFor) &&
				e.RecipientID == n.RecipientID && e.MinutesBefore == n.MinutesBefore {
				dup = true
				break
			}
		}
		if !dup {
			c := *n
			r.reminders = append(r.reminders, &c)
		}
	}
	return nil
}

func (r memReminders) ListByAppointment(_ context.Context, id uuid.UUID) ([]*Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Reminder
	for _, rem := range r.reminders {
		if rem.AppointmentID == id {
			c := *rem
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r memReminders) ClaimDue(_ context.Context, now time.Time, limit int) ([]*DueReminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	var out []*DueReminder
	for _, rem := range r.reminders {
		if len(out) == limit {
			break
		}
		if rem.Sent || rem.FireAt.After(now) {
			continue
		}
		a, ok := r.appts[rem.AppointmentID]
		if !ok || a.Status != StatusScheduled || a.ScheduledStart == nil || !a.ScheduledStart.Equal(rem.ScheduledFor) {
			continue
		}
		out = append(out, &DueReminder{
			Reminder: *rem, Topic: a.Topic, Mode: a.Mode,
			RoomNumber: cloneString(a.RoomNumber), MeetingLink: cloneString(a.MeetingLink),
			Duration: a.DurationMinutes,
		})
	}
	return out, nil
}

func (r memReminders) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rem := range r.reminders {
		if rem.ID == id {
			rem.Sent = true
			t := at
			rem.SentAt = &t
			return nil
		}
	}
	return &NotFoundError{Entity: "reminder", ID: id.String()}
}

// fakeTx serializes units of work per counselor the way the advisory lock does.
type fakeTx struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func (t *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (t *fakeTx) InCounselorTx(ctx context.Context, counselorID uuid.UUID, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = map[uuid.UUID]*sync.Mutex{}
	}
	l, ok := t.locks[counselorID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[counselorID] = l
	}
	t.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sentNotice struct {
	Email    string
	Template string
	Data     map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, email, template string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotice{Email: email, Template: template, Data: data})
	return nil
}

func (n *fakeNotifier) Sent() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

type fakeDirectory struct {
	emails     map[uuid.UUID]string
	counselors map[uuid.UUID]bool

	// stallEmails and stallCounselors make lookups hang until ctx is done,
	// like a directory whose connection has stopped answering.
	stallEmails     bool
	stallCounselors bool
}

func (d *fakeDirectory) Email(ctx context.Context, id uuid.UUID) (string, error) {
	if d.stallEmails {
		<-ctx.Done()
		return "", ctx.Err()
	}
	e, ok := d.emails[id]
	if !ok {
		return "", &NotFoundError{Entity: "user", ID: id.String()}
	}
	return e, nil
}

func (d *fakeDirectory) ListCounselors(context.Context) ([]*Counselor, error) {
	out := []*Counselor{}
	for id, active := range d.counselors {
		if active {
			out = append(out, &Counselor{ID: id, FullName: d.emails[id], Email: d.emails[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (d *fakeDirectory) IsActiveCounselor(ctx context.Context, id uuid.UUID) (bool, error) {
	if d.stallCounselors {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return d.counselors[id], nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	conflicts   map[string]int
	reminders   map[string]int
	escalated   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{transitions: map[string]int{}, conflicts: map[string]int{}, reminders: map[string]int{}}
}

func (m *recordingMetrics) ObserveTransition(action, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[action+"/"+outcome]++
}

func (m *recordingMetrics) ObserveConflict(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[reason]++
}

func (m *recordingMetrics) ObserveReminder(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders[outcome]++
}

func (m *recordingMetrics) ObserveEscalated(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalated += n
}

var errStorageDown = errors.New("connection refused")

// Monday 2 March 2026, 08:00 UTC.
var testNow = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

var (
	monday  = timewindow.Date{Year: 2026, Month: time.March, Day: 2}
	tuesday = monday.AddDays(1)
)

type testEnv struct {
	store     *memStore
	tx        *fakeTx
	clock     *fixedClock
	notifier  *fakeNotifier
	directory *fakeDirectory
	metrics   *recordingMetrics
	svc       *Service

	admin     Actor
	student   Actor
	counselor Actor
	other     Actor
}

func newTestEnv() *testEnv {
	store := newMemStore()
	env := &testEnv{
		store:     store,
		tx:        &fakeTx{},
		clock:     &fixedClock{now: testNow},
		notifier:  &fakeNotifier{},
		metrics:   newRecordingMetrics(),
		admin:     Actor{ID: uuid.New(), Role: RoleAdmin},
		student:   Actor{ID: uuid.New(), Role: RoleStudent},
		counselor: Actor{ID: uuid.New(), Role: RoleCounselor},
		other:     Actor{ID: uuid.New(), Role: RoleCounselor},
	}
	env.directory = &fakeDirectory{
		emails: map[uuid.UUID]string{
			env.student.ID:   "student@example.edu",
			env.counselor.ID: "counselor@example.edu",
			env.other.ID:     "other@example.edu",
		},
		counselors: map[uuid.UUID]bool{env.counselor.ID: true, env.other.ID: true},
	}
	env.svc = NewService(Deps{
		Tx:           env.tx,
		Appointments: memAppointments{store},
		History:      memHistory{store},
		Availability: memAvailability{store},
		Blocks:       memBlocks{store},
		Reminders:    memReminders{store},
		Notifier:     env.notifier,
		Directory:    env.directory,
		Clock:        env.clock,
		Metrics:      env.metrics,
		Logger:       zerolog.Nop(),
	}, Config{Location: time.UTC, DefaultDuration: 60, DefaultBuffer: 15, SlotStep: 30})

	lunchStart, lunchEnd := timewindow.NewTimeOfDay(12, 0), timewindow.NewTimeOfDay(13, 0)
	for _, c := range []uuid.UUID{env.counselor.ID, env.other.ID} {
		for day := time.Monday; day <= time.Friday; day++ {
			ls, le := lunchStart, lunchEnd
			store.avail[availKey{c, day}] = &Availability{
				ID: uuid.New(), CounselorID: c, DayOfWeek: day,
				StartTime: timewindow.NewTimeOfDay(9, 0), EndTime: timewindow.NewTimeOfDay(17, 0),
				LunchStart: &ls, LunchEnd: &le,
				SessionDuration: 60, BufferMinutes: 15, IsAvailable: true,
			}
		}
	}
	return env
}

// at returns the instant hh:mm on d in UTC.
func at(d timewindow.Date, hh, mm int) time.Time {
	return d.At(timewindow.NewTimeOfDay(hh, mm), time.UTC)
}

func tp(t time.Time) *time.Time { return &t }

// request files a pending request for the env's student.
func (e *testEnv) request(start time.Time, duration int) *Appointment {
	a, err := e.svc.CreateRequest(context.Background(), e.student, CreateRequestInput{
		RequestedStart: start, DurationMinutes: duration, Topic: "exam stress",
	})
	if err != nil {
		panic(err)
	}
	return a
}

// scheduled drives a new request through assign and accept.
func (e *testEnv) scheduled(start time.Time, duration int) *Appointment {
	ctx := context.Background()
	a := e.request(start, duration)
	if _, err := e.svc.AssignCounselor(ctx, e.admin, a.ID, AssignInput{CounselorID: e.counselor.ID}); err != nil {
		panic(err)
	}
	a, err := e.svc.Accept(ctx, e.counselor, a.ID, AcceptInput{})
	if err != nil {
		panic(err)
	}
	return a
}

func (e *testEnv) get(id uuid.UUID) *Appointment {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return e.store.appts[id].Clone()
}

// seed stores an appointment in status directly, bypassing the engine, the
// way rows written by older releases or other tools reach the checker.
func (e *testEnv) seed(status Status, start *time.Time) *Appointment {
	student, counselor := e.student.ID, e.counselor.ID
	a := &Appointment{
		ID:              uuid.New(),
		StudentID:       &student,
		Topic:           "seeded",
		RequestedStart:  at(tuesday, 10, 0),
		DurationMinutes: 60,
		Status:          status,
		Priority:        PriorityNormal,
		Mode:            ModeInPerson,
		CreatedAt:       testNow.Add(-time.Hour),
		UpdatedAt:       testNow.Add(-time.Hour),
	}
	switch status {
	case StatusPending:
	case StatusBlocked:
		a.StudentID = nil
		a.CounselorID = &counselor
	default:
		a.CounselorID = &counselor
	}
	if start != nil {
		s := *start
		a.ScheduledStart = &s
	}
	if status == StatusCompleted {
		done := testNow.Add(-time.Minute)
		a.CompletedAt = &done
	}
	if status == StatusCancelled {
		reason := "seeded"
		a.CancellationReason = &reason
	}
	e.store.mu.Lock()
	e.store.appts[a.ID] = a.Clone()
	e.store.mu.Unlock()
	return a
}
