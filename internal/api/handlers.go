package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pulseboard/pulsed/internal/bus"
	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/health"
	"github.com/pulseboard/pulsed/internal/hub"
)

// Handlers implements the management API endpoints.
type Handlers struct {
	bus     *bus.Bus
	hub     *hub.Hub
	checker *health.Checker
	logger  zerolog.Logger
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(b *bus.Bus, h *hub.Hub, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		bus:     b,
		hub:     h,
		checker: checker,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Liveness answers GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness answers GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// PublishEvent answers POST /api/v1/events: the HTTP ingress for
// out-of-process producers (commit automation, progress calculator, risk
// module).
func (h *Handlers) PublishEvent(c *fiber.Ctx) error {
	var req PublishRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Request body must be valid JSON")
	}
	if req.ProjectID == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_project_id", "Bad Request", "project_id is required")
	}

	ev, err := event.NewRaw(req.ProjectID, req.Kind, req.Payload)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_kind", "Bad Request", err.Error())
	}

	seq, err := h.bus.Publish(ev)
	if err != nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"bus_closed", "Service Unavailable", "Event bus is shutting down")
	}

	return c.Status(fiber.StatusAccepted).JSON(PublishResponse{
		ProjectID: req.ProjectID,
		Kind:      req.Kind,
		Sequence:  seq,
	})
}

// ReplayEvents answers GET /api/v1/projects/:id/events?since=N: the
// full-history counterpart of the WebSocket replay path, used by clients
// recovering from a gap.
func (h *Handlers) ReplayEvents(c *fiber.Ctx) error {
	projectID := c.Params("id")

	var since uint64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_since", "Bad Request", "since must be an unsigned integer")
		}
		since = parsed
	}

	events, gap := h.bus.Replay(projectID, since)
	if events == nil {
		events = []event.Event{}
	}
	return c.JSON(ReplayResponse{
		ProjectID: projectID,
		Events:    events,
		Gap:       gap,
	})
}

// Stats answers GET /api/v1/stats. Health carries the probe results from
// the most recent readiness run, so dashboards get status, latency, and
// last error without re-probing.
func (h *Handlers) Stats(c *fiber.Ctx) error {
	busStats := h.bus.Snapshot()
	hubStats := h.hub.Snapshot()
	return c.JSON(StatsResponse{
		Connections:   hubStats.Connections,
		DroppedEvents: hubStats.DroppedEvents,
		ActiveBuffers: busStats.ActiveBuffers,
		Subscriptions: busStats.Subscriptions,
		Health:        h.checker.Snapshot(),
	})
}
