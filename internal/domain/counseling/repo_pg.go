package counseling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/counsel/counsel/internal/platform/db"
	"github.com/counsel/counsel/pkg/timewindow"
)

// storageErr maps pgx errors onto the engine's error kinds.
func storageErr(op, entity string, id any, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
	}
	return &TransientError{Op: op, Err: err}
}

// =========== Transactor ===========

type txManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	InLockedTx(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type pgTransactor struct{ m txManager }

// NewTransactor serializes per-counselor work with a transaction-scoped
// advisory lock keyed on the counselor id.
func NewTransactor(m txManager) Transactor { return &pgTransactor{m: m} }

func (t *pgTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.m.InTx(ctx, fn)
}

func (t *pgTransactor) InCounselorTx(ctx context.Context, counselorID uuid.UUID, fn func(ctx context.Context) error) error {
	return t.m.InLockedTx(ctx, "counselor:"+counselorID.String(), fn)
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ db db.Querier }

func NewAppointmentRepoPG(q db.Querier) AppointmentRepository { return &appointmentRepoPG{db: q} }

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const apptCols = `id, student_id, counselor_id, topic, requested_start, scheduled_start,
	duration_minutes, status, priority, mode, room_number, meeting_link,
	student_notes, admin_notes, counselor_notes, cancellation_reason,
	created_at, updated_at, completed_at`

const activeStatuses = `('assigned', 'scheduled', 'in_progress', 'blocked')`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a                      Appointment
		status, priority, mode string
	)
	err := row.Scan(&a.ID, &a.StudentID, &a.CounselorID, &a.Topic, &a.RequestedStart, &a.ScheduledStart,
		&a.DurationMinutes, &status, &priority, &mode, &a.RoomNumber, &a.MeetingLink,
		&a.StudentNotes, &a.AdminNotes, &a.CounselorNotes, &a.CancellationReason,
		&a.CreatedAt, &a.UpdatedAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	a.Status, a.Priority, a.Mode = Status(status), Priority(priority), Mode(mode)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment_requests (id, student_id, counselor_id, topic, requested_start, scheduled_start,
			duration_minutes, status, priority, mode, room_number, meeting_link,
			student_notes, admin_notes, counselor_notes, cancellation_reason,
			created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.StudentID, a.CounselorID, a.Topic, a.RequestedStart, a.ScheduledStart,
		a.DurationMinutes, string(a.Status), string(a.Priority), string(a.Mode), a.RoomNumber, a.MeetingLink,
		a.StudentNotes, a.AdminNotes, a.CounselorNotes, a.CancellationReason,
		a.CreatedAt, a.UpdatedAt, a.CompletedAt)
	return storageErr("create appointment", "appointment", a.ID, err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment_requests WHERE id = $1`, id))
	return a, storageErr("get appointment", "appointment", id, err)
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment_requests WHERE id = $1 FOR UPDATE`, id))
	return a, storageErr("lock appointment", "appointment", id, err)
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_requests SET counselor_id=$2, scheduled_start=$3, status=$4, priority=$5, mode=$6,
			room_number=$7, meeting_link=$8, student_notes=$9, admin_notes=$10, counselor_notes=$11,
			cancellation_reason=$12, updated_at=$13, completed_at=$14
		WHERE id = $1`,
		a.ID, a.CounselorID, a.ScheduledStart, string(a.Status), string(a.Priority), string(a.Mode),
		a.RoomNumber, a.MeetingLink, a.StudentNotes, a.AdminNotes, a.CounselorNotes,
		a.CancellationReason, a.UpdatedAt, a.CompletedAt)
	if err != nil {
		return storageErr("update appointment", "appointment", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "appointment", ID: a.ID.String()}
	}
	return nil
}

func (r *appointmentRepoPG) ListActive(ctx context.Context, counselorID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment_requests
		WHERE counselor_id = $1 AND status IN `+activeStatuses+`
			AND scheduled_start >= $2 AND scheduled_start < $3
		ORDER BY scheduled_start`, counselorID, from, to)
	if err != nil {
		return nil, storageErr("list active appointments", "counselor", counselorID, err)
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *appointmentRepoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, &TransientError{Op: "scan appointment", Err: err}
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "iterate appointments", Err: err}
	}
	return items, nil
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []any
	idx := 1

	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.CounselorID != nil {
		where += fmt.Sprintf(` AND counselor_id = $%d`, idx)
		args = append(args, *f.CounselorID)
		idx++
	}
	if f.StudentID != nil {
		where += fmt.Sprintf(` AND student_id = $%d`, idx)
		args = append(args, *f.StudentID)
		idx++
	}
	if f.UpdatedSince != nil {
		where += fmt.Sprintf(` AND updated_at > $%d`, idx)
		args = append(args, *f.UpdatedSince)
		idx++
	}
	if f.Priority != "" {
		where += fmt.Sprintf(` AND priority = $%d`, idx)
		args = append(args, string(f.Priority))
		idx++
	}
	if f.Unassigned {
		where += ` AND counselor_id IS NULL`
	}
	if f.StartsFrom != nil {
		where += fmt.Sprintf(` AND COALESCE(scheduled_start, requested_start) >= $%d`, idx)
		args = append(args, *f.StartsFrom)
		idx++
	}
	if f.StartsBefore != nil {
		where += fmt.Sprintf(` AND COALESCE(scheduled_start, requested_start) < $%d`, idx)
		args = append(args, *f.StartsBefore)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count appointments", "appointment", "", err)
	}

	query := `SELECT ` + apptCols + ` FROM appointment_requests` + where +
		fmt.Sprintf(` ORDER BY updated_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storageErr("search appointments", "appointment", "", err)
	}
	defer rows.Close()
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *appointmentRepoPG) EscalatePending(ctx context.Context, policy EscalationPolicy, now time.Time) (int, error) {
	mediumBefore, highBefore := policy.cutoffs(now)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_requests
		SET priority = CASE WHEN created_at <= $2 THEN 'high' ELSE 'medium' END, updated_at = $3
		WHERE status = 'pending'
			AND ((created_at <= $2 AND priority <> 'high') OR (created_at <= $1 AND priority = 'normal'))`,
		mediumBefore, highBefore, now)
	if err != nil {
		return 0, storageErr("escalate priorities", "appointment", "", err)
	}
	return int(tag.RowsAffected()), nil
}

// =========== History Repository ===========

type historyRepoPG struct{ db db.Querier }

func NewHistoryRepoPG(q db.Querier) HistoryRepository { return &historyRepoPG{db: q} }

func (r *historyRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

func (r *historyRepoPG) Append(ctx context.Context, h *HistoryEntry) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment_history (id, appointment_id, action, performed_by, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		h.ID, h.AppointmentID, h.Action, h.PerformedBy, h.Notes, h.CreatedAt)
	return storageErr("append history", "appointment", h.AppointmentID, err)
}

func (r *historyRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, appointment_id, action, performed_by, notes, created_at
		FROM appointment_history WHERE appointment_id = $1
		ORDER BY created_at, seq`, appointmentID)
	if err != nil {
		return nil, storageErr("list history", "appointment", appointmentID, err)
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.AppointmentID, &h.Action, &h.PerformedBy, &h.Notes, &h.CreatedAt); err != nil {
			return nil, &TransientError{Op: "scan history", Err: err}
		}
		items = append(items, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "iterate history", Err: err}
	}
	return items, nil
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ db db.Querier }

func NewAvailabilityRepoPG(q db.Querier) AvailabilityRepository { return &availabilityRepoPG{db: q} }

func (r *availabilityRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const availCols = `id, counselor_id, day_of_week, start_minute, end_minute, lunch_start, lunch_end,
	session_duration, buffer_minutes, is_available, updated_at`

func (r *availabilityRepoPG) scanAvailability(row pgx.Row) (*Availability, error) {
	var (
		a                  Availability
		day                int16
		start, end         int
		lunchStart, lunchE *int
	)
	err := row.Scan(&a.ID, &a.CounselorID, &day, &start, &end, &lunchStart, &lunchE,
		&a.SessionDuration, &a.BufferMinutes, &a.IsAvailable, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.DayOfWeek = time.Weekday(day)
	a.StartTime, a.EndTime = timewindow.TimeOfDay(start), timewindow.TimeOfDay(end)
	a.LunchStart, a.LunchEnd = todPtr(lunchStart), todPtr(lunchE)
	return &a, nil
}

func todPtr(v *int) *timewindow.TimeOfDay {
	if v == nil {
		return nil
	}
	t := timewindow.TimeOfDay(*v)
	return &t
}

func intPtr(v *timewindow.TimeOfDay) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func (r *availabilityRepoPG) Upsert(ctx context.Context, a *Availability) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO counselor_availability (id, counselor_id, day_of_week, start_minute, end_minute,
			lunch_start, lunch_end, session_duration, buffer_minutes, is_available, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (counselor_id, day_of_week) DO UPDATE SET
			start_minute = EXCLUDED.start_minute, end_minute = EXCLUDED.end_minute,
			lunch_start = EXCLUDED.lunch_start, lunch_end = EXCLUDED.lunch_end,
			session_duration = EXCLUDED.session_duration, buffer_minutes = EXCLUDED.buffer_minutes,
			is_available = EXCLUDED.is_available, updated_at = EXCLUDED.updated_at
		RETURNING id`,
		a.ID, a.CounselorID, int16(a.DayOfWeek), int(a.StartTime), int(a.EndTime),
		intPtr(a.LunchStart), intPtr(a.LunchEnd), a.SessionDuration, a.BufferMinutes, a.IsAvailable, a.UpdatedAt,
	).Scan(&a.ID)
	return storageErr("upsert availability", "counselor", a.CounselorID, err)
}

func (r *availabilityRepoPG) Get(ctx context.Context, counselorID uuid.UUID, day time.Weekday) (*Availability, error) {
	a, err := r.scanAvailability(r.conn(ctx).QueryRow(ctx,
		`SELECT `+availCols+` FROM counselor_availability WHERE counselor_id = $1 AND day_of_week = $2`,
		counselorID, int16(day)))
	return a, storageErr("get availability", "availability", fmt.Sprintf("%s/%s", counselorID, day), err)
}

func (r *availabilityRepoPG) ListByCounselor(ctx context.Context, counselorID uuid.UUID) ([]*Availability, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+availCols+` FROM counselor_availability WHERE counselor_id = $1 ORDER BY day_of_week`, counselorID)
	if err != nil {
		return nil, storageErr("list availability", "counselor", counselorID, err)
	}
	defer rows.Close()
	var items []*Availability
	for rows.Next() {
		a, err := r.scanAvailability(rows)
		if err != nil {
			return nil, &TransientError{Op: "scan availability", Err: err}
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "iterate availability", Err: err}
	}
	return items, nil
}

// =========== Block Repository ===========

type blockRepoPG struct{ db db.Querier }

func NewBlockRepoPG(q db.Querier) BlockRepository { return &blockRepoPG{db: q} }

func (r *blockRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const blockCols = `id, counselor_id, block_date, start_minute, end_minute, reason, block_type, recurrence, created_by, created_at`

func (r *blockRepoPG) scanBlock(row pgx.Row) (*ScheduleBlock, error) {
	var (
		b          ScheduleBlock
		date       time.Time
		start, end int
	)
	err := row.Scan(&b.ID, &b.CounselorID, &date, &start, &end, &b.Reason, &b.BlockType, &b.Recurrence, &b.CreatedBy, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Date = timewindow.DateOf(date)
	b.StartTime, b.EndTime = timewindow.TimeOfDay(start), timewindow.TimeOfDay(end)
	return &b, nil
}

func (r *blockRepoPG) Create(ctx context.Context, b *ScheduleBlock) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO counselor_schedule_blocks (id, counselor_id, block_date, start_minute, end_minute,
			reason, block_type, recurrence, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.CounselorID, b.Date.AsTime(), int(b.StartTime), int(b.EndTime),
		b.Reason, b.BlockType, b.Recurrence, b.CreatedBy, b.CreatedAt)
	return storageErr("create block", "block", b.ID, err)
}

func (r *blockRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleBlock, error) {
	b, err := r.scanBlock(r.conn(ctx).QueryRow(ctx, `SELECT `+blockCols+` FROM counselor_schedule_blocks WHERE id = $1`, id))
	return b, storageErr("get block", "block", id, err)
}

func (r *blockRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM counselor_schedule_blocks WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete block", "block", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "block", ID: id.String()}
	}
	return nil
}

func (r *blockRepoPG) ListByCounselorDate(ctx context.Context, counselorID uuid.UUID, date timewindow.Date) ([]*ScheduleBlock, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+blockCols+` FROM counselor_schedule_blocks
		WHERE counselor_id = $1 AND block_date = $2 ORDER BY start_minute`, counselorID, date.AsTime())
	if err != nil {
		return nil, storageErr("list blocks", "counselor", counselorID, err)
	}
	defer rows.Close()
	var items []*ScheduleBlock
	for rows.Next() {
		b, err := r.scanBlock(rows)
		if err != nil {
			return nil, &TransientError{Op: "scan block", Err: err}
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "iterate blocks", Err: err}
	}
	return items, nil
}

// =========== Reminder Repository ===========

type reminderRepoPG struct{ db db.Querier }

func NewReminderRepoPG(q db.Querier) ReminderRepository { return &reminderRepoPG{db: q} }

func (r *reminderRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const reminderCols = `r.id, r.appointment_id, r.reminder_type, r.recipient_type, r.recipient_id,
	r.scheduled_for, r.minutes_before, r.fire_at, r.sent, r.sent_at, r.created_at`

func scanReminder(row pgx.Row, extra ...any) (*Reminder, error) {
	var (
		rem       Reminder
		recipient string
	)
	dest := append([]any{&rem.ID, &rem.AppointmentID, &rem.ReminderType, &recipient, &rem.RecipientID,
		&rem.ScheduledFor, &rem.MinutesBefore, &rem.FireAt, &rem.Sent, &rem.SentAt, &rem.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rem.RecipientType = RecipientType(recipient)
	return &rem, nil
}

func (r *reminderRepoPG) CreateBatch(ctx context.Context, rs []*Reminder) error {
	for _, rem := range rs {
		if rem.ID == uuid.Nil {
			rem.ID = uuid.New()
		}
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO appointment_reminders (id, appointment_id, reminder_type, recipient_type, recipient_id,
				scheduled_for, minutes_before, fire_at, sent, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,$9)
			ON CONFLICT (appointment_id, scheduled_for, recipient_type, minutes_before) DO NOTHING`,
			rem.ID, rem.AppointmentID, rem.ReminderType, string(rem.RecipientType), rem.RecipientID,
			rem.ScheduledFor, rem.MinutesBefore, rem.FireAt, rem.CreatedAt)
		if err != nil {
			return storageErr("create reminder", "appointment", rem.AppointmentID, err)
		}
	}
	return nil
}

func (r *reminderRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Reminder, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reminderCols+` FROM appointment_reminders r
		WHERE r.appointment_id = $1 ORDER BY r.fire_at, r.recipient_type`, appointmentID)
	if err != nil {
		return nil, storageErr("list reminders", "appointment", appointmentID, err)
	}
	defer rows.Close()
	var items []*Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, &TransientError{Op: "scan reminder", Err: err}
		}
		items = append(items, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "iterate reminders", Err: err}
	}
	return items, nil
}

func (r *reminderRepoPG) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*DueReminder, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reminderCols+`,
			a.topic, a.mode, a.room_number, a.meeting_link, a.duration_minutes
		FROM appointment_reminders r
		JOIN appointment_requests a ON a.id = r.appointment_id
		WHERE NOT r.sent AND r.fire_at <= $1
			AND a.status = 'scheduled' AND a.scheduled_start = r.scheduled_for
		ORDER BY r.fire_at
		LIMIT $2
		FOR UPDATE OF r SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, storageErr("claim reminders", "reminder", "", err)
	}
	defer rows.Close()
	var items []*DueReminder
	for rows.Next() {
		var (
			d    DueReminder
			mode string
		)
		rem, err := scanReminder(rows, &d.Topic, &mode, &d.RoomNumber, &d.MeetingLink, &d.Duration)
		if err != nil {
			return nil, &TransientError{Op: "scan reminder", Err: err}
		}
		d.Reminder = *rem
		d.Mode = Mode(mode)
		items = append(items, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "iterate reminders", Err: err}
	}
	return items, nil
}

func (r *reminderRepoPG) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointment_reminders SET sent = TRUE, sent_at = $2 WHERE id = $1 AND NOT sent`, id, at)
	return storageErr("mark reminder sent", "reminder", id, err)
}

// =========== Directory ===========

type directoryPG struct{ db db.Querier }

// NewDirectoryPG reads the host application's users table.
func NewDirectoryPG(q db.Querier) Directory { return &directoryPG{db: q} }

func (d *directoryPG) Email(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := db.Conn(ctx, d.db).QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	return email, storageErr("lookup email", "user", userID, err)
}

func (d *directoryPG) ListCounselors(ctx context.Context) ([]*Counselor, error) {
	rows, err := db.Conn(ctx, d.db).Query(ctx,
		`SELECT id, full_name, email FROM users WHERE user_type = 'counselor' AND is_active ORDER BY full_name, id`)
	if err != nil {
		return nil, storageErr("list counselors", "user", "", err)
	}
	defer rows.Close()
	out := []*Counselor{}
	for rows.Next() {
		c := &Counselor{}
		if err := rows.Scan(&c.ID, &c.FullName, &c.Email); err != nil {
			return nil, &TransientError{Op: "scan counselor", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "iterate counselors", Err: err}
	}
	return out, nil
}

func (d *directoryPG) IsActiveCounselor(ctx context.Context, userID uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, d.db).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND user_type = 'counselor' AND is_active)`, userID).Scan(&ok)
	return ok, storageErr("lookup counselor", "user", userID, err)
}
