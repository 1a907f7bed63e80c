package counseling

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/counsel/counsel/internal/platform/auth"
	"github.com/counsel/counsel/pkg/pagination"
	"github.com/counsel/counsel/pkg/timewindow"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Everyone signed in; the engine narrows what each role may see or touch.
	anyRole := api.Group("", auth.RequireRole("student", "counselor", "admin"))
	anyRole.POST("/appointments", h.CreateRequest)
	anyRole.GET("/appointments", h.ListAppointments)
	anyRole.GET("/appointments/:id", h.GetAppointment)
	anyRole.GET("/appointments/:id/history", h.GetHistory)
	anyRole.GET("/appointments/:id/reminders", h.GetReminders)
	anyRole.POST("/appointments/:id/cancel", h.Cancel)
	anyRole.POST("/appointments/:id/notes", h.AddNote)
	anyRole.GET("/counselors/:id/free-slots", h.FreeSlots)
	anyRole.GET("/counselors/:id/availability", h.ListAvailability)
	anyRole.GET("/counselors/:id/blocks", h.ListBlocks)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/appointments/:id/assign", h.Assign)
	admin.POST("/appointments/assign/bulk", h.BulkAssign)
	admin.GET("/counselors", h.ListCounselors)

	counselor := api.Group("", auth.RequireRole("counselor"))
	counselor.POST("/appointments/:id/accept", h.Accept)
	counselor.POST("/appointments/:id/reject", h.Reject)
	counselor.POST("/appointments/:id/start", h.StartSession)
	counselor.POST("/appointments/:id/complete", h.Complete)
	counselor.POST("/appointments/:id/reschedule", h.Reschedule)
	counselor.PUT("/counselors/:id/availability", h.SetAvailability)
	counselor.POST("/counselors/:id/blocks", h.BlockTime)
	counselor.DELETE("/counselors/:id/blocks/:blockId", h.UnblockTime)
	counselor.POST("/counselors/:id/holds", h.HoldSlot)
}

// errorBody is the JSON error payload. Reason is set for conflicts only.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// httpError maps engine errors onto HTTP statuses.
func httpError(err error) error {
	kind := KindOf(err)
	body := errorBody{Error: err.Error(), Kind: kind.String()}

	var code int
	switch kind {
	case KindValidation:
		code = http.StatusBadRequest
		var ve *ValidationError
		if errors.As(err, &ve) {
			body.Field = ve.Field
		}
	case KindNotFound:
		code = http.StatusNotFound
	case KindConflict:
		code = http.StatusConflict
		var ce *ConflictError
		if errors.As(err, &ce) {
			body.Reason = string(ce.Reason)
		}
	case KindIllegalTransition:
		code = http.StatusUnprocessableEntity
	case KindTransient:
		code = http.StatusServiceUnavailable
		body.Error = "temporarily unavailable, retry later"
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(code, body).SetInternal(err)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: msg, Kind: KindValidation.String()})
}

func actorFrom(c echo.Context) (Actor, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return Actor{ID: p.UserID, Role: Role(p.Role)}, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, badRequest("invalid " + name)
	}
	return id, nil
}

// call resolves the actor and the :id path parameter shared by most routes.
func call(c echo.Context) (Actor, uuid.UUID, error) {
	actor, err := actorFrom(c)
	if err != nil {
		return Actor{}, uuid.Nil, err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return Actor{}, uuid.Nil, err
	}
	return actor, id, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return badRequest("invalid request body")
	}
	return nil
}

// -- Appointments --

func (h *Handler) CreateRequest(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in CreateRequestInput
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.CreateRequest(c.Request().Context(), actor, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var f AppointmentFilter
	f.Status = Status(c.QueryParam("status"))
	if v := c.QueryParam("counselor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return badRequest("invalid counselor_id")
		}
		f.CounselorID = &id
	}
	if v := c.QueryParam("student_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return badRequest("invalid student_id")
		}
		f.StudentID = &id
	}
	if v := c.QueryParam("updated_since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest("updated_since must be RFC 3339")
		}
		f.UpdatedSince = &t
	}
	f.Priority = Priority(c.QueryParam("priority"))
	if err := echo.QueryParamsBinder(c).Bool("unassigned", &f.Unassigned).BindError(); err != nil {
		return badRequest("unassigned must be true or false")
	}
	if err := h.startRange(c, &f); err != nil {
		return err
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), actor, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

// startRange reads either date=YYYY-MM-DD, the whole day in the schedule's
// zone, or an explicit from/to pair of RFC 3339 instants.
func (h *Handler) startRange(c echo.Context, f *AppointmentFilter) error {
	if v := c.QueryParam("date"); v != "" {
		d, err := timewindow.ParseDate(v)
		if err != nil {
			return badRequest("date must be YYYY-MM-DD")
		}
		from, to := d.At(0, h.svc.cfg.Location), d.AddDays(1).At(0, h.svc.cfg.Location)
		f.StartsFrom, f.StartsBefore = &from, &to
		return nil
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.StartsFrom}, {"to", &f.StartsBefore}} {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(p.name + " must be RFC 3339")
		}
		*p.dst = &t
	}
	return nil
}

func (h *Handler) ListCounselors(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	cs, err := h.svc.ListCounselors(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) GetHistory(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	hs, err := h.svc.History(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	if hs == nil {
		hs = []*HistoryEntry{}
	}
	return c.JSON(http.StatusOK, hs)
}

func (h *Handler) GetReminders(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	rs, err := h.svc.Reminders(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	if rs == nil {
		rs = []*Reminder{}
	}
	return c.JSON(http.StatusOK, rs)
}

func (h *Handler) Assign(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	var in AssignInput
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.AssignCounselor(c.Request().Context(), actor, id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type bulkAssignResponse struct {
	Results   []BulkResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

// BulkAssign always answers 200 once the batch ran; per-item failures are in
// the results.
func (h *Handler) BulkAssign(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in BulkAssignInput
	if err := bind(c, &in); err != nil {
		return err
	}
	results, err := h.svc.BulkAssign(c.Request().Context(), actor, in)
	if err != nil {
		return httpError(err)
	}
	resp := bulkAssignResponse{Results: results}
	for _, r := range results {
		if r.Err == nil {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Accept(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	var in AcceptInput
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.Accept(c.Request().Context(), actor, id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	var in reasonRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.Reject(c.Request().Context(), actor, id, in.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) StartSession(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	a, err := h.svc.StartSession(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) Complete(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	var in notesRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.Complete(c.Request().Context(), actor, id, in.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	var in reasonRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.Cancel(c.Request().Context(), actor, id, in.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type rescheduleRequest struct {
	ScheduledStart time.Time `json:"scheduled_start"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	var in rescheduleRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.Reschedule(c.Request().Context(), actor, id, in.ScheduledStart)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type noteRequest struct {
	Text string `json:"text"`
}

func (h *Handler) AddNote(c echo.Context) error {
	actor, id, err := call(c)
	if err != nil {
		return err
	}
	var in noteRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.AddNote(c.Request().Context(), actor, id, in.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Counselor calendar --

type freeSlotsResponse struct {
	CounselorID     uuid.UUID              `json:"counselor_id"`
	Date            timewindow.Date        `json:"date"`
	DurationMinutes int                    `json:"duration_minutes"`
	Slots           []timewindow.TimeOfDay `json:"slots"`
}

func (h *Handler) FreeSlots(c echo.Context) error {
	counselorID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	date, err := timewindow.ParseDate(c.QueryParam("date"))
	if err != nil {
		return badRequest("date must be YYYY-MM-DD")
	}
	var duration int
	if err := echo.QueryParamsBinder(c).Int("duration", &duration).BindError(); err != nil {
		return badRequest("duration must be a number of minutes")
	}
	slots, err := h.svc.FreeSlots(c.Request().Context(), counselorID, date, duration)
	if err != nil {
		return httpError(err)
	}
	if duration == 0 {
		duration = h.svc.cfg.DefaultDuration
	}
	return c.JSON(http.StatusOK, freeSlotsResponse{
		CounselorID: counselorID, Date: date, DurationMinutes: duration, Slots: slots,
	})
}

func (h *Handler) SetAvailability(c echo.Context) error {
	actor, counselorID, err := call(c)
	if err != nil {
		return err
	}
	var in AvailabilityInput
	if err := bind(c, &in); err != nil {
		return err
	}
	av, err := h.svc.SetAvailability(c.Request().Context(), actor, counselorID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, av)
}

func (h *Handler) ListAvailability(c echo.Context) error {
	counselorID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	avs, err := h.svc.ListAvailability(c.Request().Context(), counselorID)
	if err != nil {
		return httpError(err)
	}
	if avs == nil {
		avs = []*Availability{}
	}
	return c.JSON(http.StatusOK, avs)
}

func (h *Handler) BlockTime(c echo.Context) error {
	actor, counselorID, err := call(c)
	if err != nil {
		return err
	}
	var in BlockInput
	if err := bind(c, &in); err != nil {
		return err
	}
	b, err := h.svc.BlockTime(c.Request().Context(), actor, counselorID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBlocks(c echo.Context) error {
	counselorID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	date, err := timewindow.ParseDate(c.QueryParam("date"))
	if err != nil {
		return badRequest("date must be YYYY-MM-DD")
	}
	bs, err := h.svc.ListBlocks(c.Request().Context(), counselorID, date)
	if err != nil {
		return httpError(err)
	}
	if bs == nil {
		bs = []*ScheduleBlock{}
	}
	return c.JSON(http.StatusOK, bs)
}

func (h *Handler) UnblockTime(c echo.Context) error {
	actor, counselorID, err := call(c)
	if err != nil {
		return err
	}
	blockID, err := uuidParam(c, "blockId")
	if err != nil {
		return err
	}
	if err := h.svc.UnblockTime(c.Request().Context(), actor, counselorID, blockID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HoldSlot(c echo.Context) error {
	actor, counselorID, err := call(c)
	if err != nil {
		return err
	}
	var in HoldInput
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.HoldSlot(c.Request().Context(), actor, counselorID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}
