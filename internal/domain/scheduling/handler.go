package scheduling

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medibook/medibook/internal/domain/facility"
	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/pkg/pagination"
	"github.com/medibook/medibook/pkg/timewindow"
)

// Roles recognised by the scheduling endpoints. "admin" passes every check.
const (
	RolePatient       = "patient"
	RoleStaff         = "staff"
	RoleFacilityAdmin = "facility_admin"
)

type Handler struct {
	svc       *Service
	resolver  *Resolver
	allocator *Allocator
}

func NewHandler(svc *Service, resolver *Resolver, allocator *Allocator) *Handler {
	return &Handler{svc: svc, resolver: resolver, allocator: allocator}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Availability and booking: patients and facility staff
	public := api.Group("", auth.RequireRole(RolePatient, RoleStaff, RoleFacilityAdmin))
	public.GET("/availability", h.GetSerialAvailability)
	public.GET("/availability/slots", h.GetSlotAvailability)
	public.POST("/bookings", h.CreateBooking)
	public.GET("/bookings", h.ListBookings)
	public.GET("/bookings/:id", h.GetBooking)
	public.POST("/bookings/:id/cancel", h.CancelBooking)

	// Status changes: facility staff
	staff := api.Group("", auth.RequireRole(RoleStaff, RoleFacilityAdmin))
	staff.POST("/bookings/:id/status", h.TransitionBooking)

	// Configuration: facility admins
	admin := api.Group("", auth.RequireRole(RoleFacilityAdmin))
	admin.POST("/bookings/:id/force-cancel", h.ForceCancelBooking)
	admin.POST("/schedules", h.CreateSchedule)
	admin.GET("/schedules", h.ListSchedules)
	admin.GET("/schedules/:id", h.GetSchedule)
	admin.DELETE("/schedules/:id", h.DeleteSchedule)
	admin.PUT("/serial-policies", h.UpsertSerialPolicy)
	admin.GET("/serial-policies/:id", h.GetSerialPolicy)
	admin.GET("/serial-policies/:id/overrides", h.ListOverrides)
	admin.PUT("/serial-policies/:id/overrides/:date", h.UpsertOverride)
	admin.DELETE("/serial-policies/:id/overrides/:date", h.DeleteOverride)
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	var (
		invalidErr *InvalidInputError
		configErr  *ConfigError
		unavail    *UnavailableError
	)
	switch {
	case errors.As(err, &invalidErr):
		return echo.NewHTTPError(http.StatusBadRequest, invalidErr.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyBooked):
		return echo.NewHTTPError(http.StatusConflict, "already booked, refresh availability and pick another")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "booking belongs to another patient")
	case errors.As(err, &configErr):
		return echo.NewHTTPError(http.StatusPreconditionFailed, configErr.Error())
	case errors.As(err, &unavail):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, unavail.Reason)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseUUIDParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func parseUUIDQuery(c echo.Context, name string) (uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, name+" is required")
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func parseDate(field, v string) (time.Time, error) {
	d, err := timewindow.ParseDate(v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, field+": "+err.Error())
	}
	return d, nil
}

// facilityParam returns nil when the caller leaves the facility to the
// subject's association.
func facilityParam(kind, id string) (*facility.Ref, error) {
	if kind == "" && id == "" {
		return nil, nil
	}
	ref, err := facility.ParseRef(kind, id)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return &ref, nil
}

func hasRole(c echo.Context, roles ...string) bool {
	return auth.HasRole(c.Request().Context(), roles...)
}

// patientFor resolves whose booking this is. Staff may act for any patient;
// everyone else acts for themselves.
func patientFor(c echo.Context, requested string) (uuid.UUID, error) {
	if requested != "" && hasRole(c, RoleStaff, RoleFacilityAdmin) {
		id, err := uuid.Parse(requested)
		if err != nil {
			return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		return id, nil
	}
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	return id, nil
}

// -- Availability Handlers --

func (h *Handler) GetSerialAvailability(c echo.Context) error {
	kind := facility.SubjectKind(c.QueryParam("subject_kind"))
	if kind == "" {
		kind = facility.SubjectDoctor
	}
	subjectID, err := parseUUIDQuery(c, "subject")
	if err != nil {
		return err
	}
	date, err := parseDate("date", c.QueryParam("date"))
	if err != nil {
		return err
	}
	ref, err := facilityParam(c.QueryParam("facility_kind"), c.QueryParam("facility"))
	if err != nil {
		return err
	}

	result, err := h.resolver.Serials(c.Request().Context(), SerialQuery{
		SubjectKind: kind,
		SubjectID:   subjectID,
		Facility:    ref,
		Date:        date,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) GetSlotAvailability(c echo.Context) error {
	doctorID, err := parseUUIDQuery(c, "doctor")
	if err != nil {
		return err
	}
	chamberID, err := parseUUIDQuery(c, "chamber")
	if err != nil {
		return err
	}
	date, err := parseDate("date", c.QueryParam("date"))
	if err != nil {
		return err
	}
	result, err := h.resolver.Slots(c.Request().Context(), doctorID, chamberID, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// -- Booking Handlers --

type bookingRequest struct {
	SubjectKind  string            `json:"subject_kind"`
	SubjectID    string            `json:"subject_id"`
	FacilityKind string            `json:"facility_kind"`
	FacilityID   string            `json:"facility_id"`
	ChamberID    string            `json:"chamber_id"`
	Date         string            `json:"date"`
	SerialNumber *int              `json:"serial_number"`
	StartTime    *timewindow.Clock `json:"start_time"`
	EndTime      *timewindow.Clock `json:"end_time"`
	PatientID    string            `json:"patient_id"`
}

func (h *Handler) CreateBooking(c echo.Context) error {
	var body bookingRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req := AllocateRequest{
		SubjectKind:  facility.SubjectKind(body.SubjectKind),
		SerialNumber: body.SerialNumber,
		StartTime:    body.StartTime,
		EndTime:      body.EndTime,
	}
	if req.SubjectKind == "" {
		req.SubjectKind = facility.SubjectDoctor
	}
	var err error
	if req.SubjectID, err = uuid.Parse(body.SubjectID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid subject_id")
	}
	if req.Date, err = parseDate("date", body.Date); err != nil {
		return err
	}
	if req.Facility, err = facilityParam(body.FacilityKind, body.FacilityID); err != nil {
		return err
	}
	if body.ChamberID != "" {
		chamberID, err := uuid.Parse(body.ChamberID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid chamber_id")
		}
		req.ChamberID = &chamberID
	}
	if req.PatientID, err = patientFor(c, body.PatientID); err != nil {
		return err
	}

	booking, err := h.allocator.Allocate(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, booking)
}

func (h *Handler) GetBooking(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBooking(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !hasRole(c, RoleStaff, RoleFacilityAdmin) && auth.UserIDFromContext(c.Request().Context()) != b.PatientID.String() {
		return httpError(ErrForbidden)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBookings(c echo.Context) error {
	patientID, err := patientFor(c, c.QueryParam("patient_id"))
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListBookingsByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Booking{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type statusRequest struct {
	Status BookingStatus `json:"status"`
	Reason string        `json:"reason"`
}

func (h *Handler) TransitionBooking(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var body statusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.TransitionBooking(c.Request().Context(), id, body.Status, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) CancelBooking(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var body statusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := patientFor(c, "")
	if err != nil {
		return err
	}
	b, err := h.svc.CancelByPatient(c.Request().Context(), id, patientID, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ForceCancelBooking(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var body statusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.ForceCancel(c.Request().Context(), id, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Schedule Handlers --

type scheduleRequest struct {
	DoctorID   uuid.UUID    `json:"doctor_id"`
	ChamberID  uuid.UUID    `json:"chamber_id"`
	DayOfWeek  int          `json:"day_of_week"`
	Windows    []TimeWindow `json:"windows"`
	Fee        int64        `json:"fee"`
	ValidFrom  string       `json:"valid_from"`
	ValidUntil string       `json:"valid_until"`
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var body scheduleRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := &SchedulePolicy{
		DoctorID:  body.DoctorID,
		ChamberID: body.ChamberID,
		DayOfWeek: body.DayOfWeek,
		Windows:   body.Windows,
		Fee:       body.Fee,
	}
	var err error
	if body.ValidFrom != "" {
		if p.ValidFrom, err = parseDate("valid_from", body.ValidFrom); err != nil {
			return err
		}
	}
	if body.ValidUntil != "" {
		until, err := parseDate("valid_until", body.ValidUntil)
		if err != nil {
			return err
		}
		p.ValidUntil = &until
	}
	if err := h.svc.CreateSchedule(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetSchedule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	doctorID, err := parseUUIDQuery(c, "doctor_id")
	if err != nil {
		return err
	}
	var chamberID *uuid.UUID
	if v := c.QueryParam("chamber_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid chamber_id")
		}
		chamberID = &id
	}
	items, err := h.svc.ListSchedules(c.Request().Context(), doctorID, chamberID)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*SchedulePolicy{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSchedule(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Serial Policy Handlers --

type serialPolicyRequest struct {
	SubjectKind        string            `json:"subject_kind"`
	SubjectID          uuid.UUID         `json:"subject_id"`
	FacilityKind       string            `json:"facility_kind"`
	FacilityID         string            `json:"facility_id"`
	TotalSerialsPerDay int               `json:"total_serials_per_day"`
	StartTime          *timewindow.Clock `json:"start_time"`
	EndTime            *timewindow.Clock `json:"end_time"`
	Price              int64             `json:"price"`
	AvailableWeekdays  []int             `json:"available_weekdays"`
}

func (h *Handler) UpsertSerialPolicy(c echo.Context) error {
	var body serialPolicyRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ref, err := facility.ParseRef(body.FacilityKind, body.FacilityID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := &SerialPolicy{
		SubjectKind:        facility.SubjectKind(body.SubjectKind),
		SubjectID:          body.SubjectID,
		Facility:           ref,
		TotalSerialsPerDay: body.TotalSerialsPerDay,
		StartTime:          body.StartTime,
		EndTime:            body.EndTime,
		Price:              body.Price,
		AvailableWeekdays:  body.AvailableWeekdays,
	}
	if err := h.svc.UpsertSerialPolicy(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetSerialPolicy(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetSerialPolicy(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Date Override Handlers --

type overrideRequest struct {
	TotalSerialsPerDay *int              `json:"total_serials_per_day"`
	StartTime          *timewindow.Clock `json:"start_time"`
	EndTime            *timewindow.Clock `json:"end_time"`
	Price              *int64            `json:"price"`
	AdminNote          string            `json:"admin_note"`
	IsEnabled          *bool             `json:"is_enabled"`
}

func (h *Handler) UpsertOverride(c echo.Context) error {
	policyID, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	date, err := parseDate("date", c.Param("date"))
	if err != nil {
		return err
	}
	var body overrideRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o := &DateOverride{
		PolicyID:           policyID,
		Date:               date,
		TotalSerialsPerDay: body.TotalSerialsPerDay,
		StartTime:          body.StartTime,
		EndTime:            body.EndTime,
		Price:              body.Price,
		AdminNote:          body.AdminNote,
		IsEnabled:          body.IsEnabled == nil || *body.IsEnabled,
	}
	if err := h.svc.UpsertOverride(c.Request().Context(), o); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) DeleteOverride(c echo.Context) error {
	policyID, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	date, err := parseDate("date", c.Param("date"))
	if err != nil {
		return err
	}
	if err := h.svc.DeleteOverride(c.Request().Context(), policyID, date); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListOverrides(c echo.Context) error {
	policyID, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var from, to time.Time
	if v := c.QueryParam("from"); v != "" {
		if from, err = parseDate("from", v); err != nil {
			return err
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if to, err = parseDate("to", v); err != nil {
			return err
		}
	}
	items, err := h.svc.ListOverrides(c.Request().Context(), policyID, from, to)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*DateOverride{}
	}
	return c.JSON(http.StatusOK, items)
}
