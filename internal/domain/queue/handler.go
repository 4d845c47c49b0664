package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/waitroom/internal/platform/auth"
	"github.com/clinic/waitroom/pkg/pagination"
)

// DeltaFeed replays published deltas for clients catching up after a
// disconnect.
type DeltaFeed interface {
	Resync(ctx context.Context, since int64) ([]Delta, error)
	LastSeq(ctx context.Context) (int64, error)
}

type Handler struct {
	svc  *Service
	feed DeltaFeed
}

func NewHandler(svc *Service, feed DeltaFeed) *Handler {
	return &Handler{svc: svc, feed: feed}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/queue")

	// Read endpoints: every clinical and front desk role
	readGroup := g.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleFrontDesk))
	readGroup.GET("", h.GetBoard)
	readGroup.GET("/entries/:id", h.GetEntry)
	readGroup.GET("/entries/:id/history", h.GetHistory)
	readGroup.GET("/deltas", h.GetDeltas)

	// Arrival and departure: front desk and nurses
	deskGroup := g.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleFrontDesk))
	deskGroup.POST("/entries", h.CheckIn)
	deskGroup.POST("/entries/:id/no-show", h.MarkNoShow)

	// Clinical decisions: physicians and nurses
	clinicalGroup := g.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	clinicalGroup.POST("/entries/:id/escalate", h.Escalate)
	clinicalGroup.POST("/entries/:id/start", h.StartTreatment)
	clinicalGroup.POST("/entries/:id/complete", h.CompleteTreatment)
	clinicalGroup.PUT("/entries/:id/expected-duration", h.OverrideDuration)

	cancelGroup := g.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleFrontDesk))
	cancelGroup.POST("/entries/:id/cancel", h.Cancel)
}

// -- Requests --

type checkInRequest struct {
	SubjectRef              string `json:"subject_ref"`
	Tier                    Tier   `json:"tier"`
	Category                string `json:"category"`
	ExpectedDurationMinutes int    `json:"expected_duration_minutes"`
}

type durationRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

type deltasResponse struct {
	Since   int64   `json:"since"`
	LastSeq int64   `json:"last_seq"`
	Deltas  []Delta `json:"deltas"`
}

// -- Queries --

func (h *Handler) GetBoard(c echo.Context) error {
	board, err := h.svc.Board(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, board)
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := entryID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, e)
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := entryID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*HistoryRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

// GetDeltas returns every delta published after ?since=N. When those deltas
// are no longer retained it answers 410 and the client reloads the board.
func (h *Handler) GetDeltas(c echo.Context) error {
	if h.feed == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "delta feed is not enabled")
	}
	since, err := strconv.ParseInt(c.QueryParam("since"), 10, 64)
	if err != nil || since < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative sequence number")
	}
	ctx := c.Request().Context()

	deltas, err := h.feed.Resync(ctx, since)
	if errors.Is(err, ErrResyncGap) {
		last, lerr := h.feed.LastSeq(ctx)
		if lerr != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, lerr.Error())
		}
		return c.JSON(http.StatusGone, map[string]any{
			"message":  err.Error(),
			"last_seq": last,
		})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := deltasResponse{Since: since, LastSeq: since, Deltas: deltas}
	if resp.Deltas == nil {
		resp.Deltas = []Delta{}
	}
	for _, d := range resp.Deltas {
		if d.Seq > resp.LastSeq {
			resp.LastSeq = d.Seq
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// -- Commands --

func (h *Handler) CheckIn(c echo.Context) error {
	var req checkInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	e, err := h.svc.CheckIn(ctx, CheckIn{
		SubjectRef:              strings.TrimSpace(req.SubjectRef),
		Tier:                    req.Tier,
		Category:                req.Category,
		ExpectedDurationMinutes: req.ExpectedDurationMinutes,
		Actor:                   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, e)
	c.Response().Header().Set("Location", strings.TrimSuffix(c.Request().URL.Path, "/")+"/"+e.ID.String())
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Escalate(c echo.Context) error {
	return h.command(c, ActionEscalate, 0)
}

func (h *Handler) StartTreatment(c echo.Context) error {
	return h.command(c, ActionStart, 0)
}

func (h *Handler) CompleteTreatment(c echo.Context) error {
	return h.command(c, ActionComplete, 0)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.command(c, ActionCancel, 0)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.command(c, ActionNoShow, 0)
}

func (h *Handler) OverrideDuration(c echo.Context) error {
	var req durationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DurationMinutes <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "duration_minutes must be positive")
	}
	return h.command(c, ActionOverrideDuration, req.DurationMinutes)
}

func (h *Handler) command(c echo.Context, action Action, minutes int) error {
	id, err := entryID(c)
	if err != nil {
		return err
	}
	expected, err := ifMatchVersion(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, err := h.svc.Execute(ctx, Command{
		Action:          action,
		EntryID:         id,
		ExpectedVersion: expected,
		Actor:           auth.UserIDFromContext(ctx),
		DurationMinutes: minutes,
	})
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, e)
	return c.JSON(http.StatusOK, e)
}

// -- Helpers --

func entryID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// httpError maps queue errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrStaleRequest),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrDuplicateActiveEntry):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidTier):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// ifMatchVersion reads the version pinned by If-Match. It returns 0 when the
// header is absent, which lets the service retry against the latest version.
func ifMatchVersion(c echo.Context) (int, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" || ifMatch == "*" {
		return 0, nil
	}
	v, err := parseETag(ifMatch)
	if err != nil || v < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header")
	}
	return v, nil
}

// parseETag extracts the version number from an ETag value like W/"3" or "3".
func parseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

func formatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

func setVersionHeaders(c echo.Context, e *Entry) {
	c.Response().Header().Set("ETag", formatETag(e.Version))
	if !e.UpdatedAt.IsZero() {
		c.Response().Header().Set("Last-Modified", e.UpdatedAt.UTC().Format(http.TimeFormat))
	}
}
