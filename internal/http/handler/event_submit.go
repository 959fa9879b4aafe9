package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"stacktide.app/collector/internal/http/dto"
	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/queue"
	"stacktide.app/collector/internal/store"
)

// maxSubmitBytes bounds a single submission body. Larger payloads are
// rejected with 413 and counted as too-big against the organization's usage.
const maxSubmitBytes = 256 << 10

// UsageLimiter is the slice of the usage limiter the submission edge needs.
type UsageLimiter interface {
	IncrementUsage(ctx context.Context, org *model.Organization, project *model.Project, tooBig bool, count int) (bool, error)
}

type EventSubmitHandler struct {
	orgs        store.OrganizationStore
	projects    store.ProjectStore
	limiter     UsageLimiter
	producer    queue.Producer
	traceHeader string
}

func NewEventSubmitHandler(orgs store.OrganizationStore, projects store.ProjectStore, limiter UsageLimiter, producer queue.Producer, traceHeader string) *EventSubmitHandler {
	return &EventSubmitHandler{
		orgs:        orgs,
		projects:    projects,
		limiter:     limiter,
		producer:    producer,
		traceHeader: traceHeader,
	}
}

// Submit accepts a batch of raw occurrences for one project, charges usage,
// and enqueues the batch for asynchronous pipeline processing. Events are
// never processed inline; a 202 only means "accepted for processing".
func (h *EventSubmitHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	projectID, err := strconv.ParseInt(c.Param("project_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	project, err := h.projects.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load project", "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load project"})
		return
	}
	if project.IsDeleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	org, err := h.orgs.GetByID(ctx, project.OrganizationID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load organization", "organization_id", project.OrganizationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load organization"})
		return
	}

	if c.Request.ContentLength > maxSubmitBytes {
		if _, uerr := h.limiter.IncrementUsage(ctx, org, project, true, 1); uerr != nil {
			slog.WarnContext(ctx, "failed to count oversized submission", "error", uerr)
		}
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "submission exceeds size limit"})
		return
	}

	var req dto.SubmitEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid event submission", "project_id", projectID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	overLimit, err := h.limiter.IncrementUsage(ctx, org, project, false, len(req.Events))
	if err != nil {
		// Counting failures fail open; dropping events over a cache hiccup
		// is worse than a temporarily inaccurate count.
		slog.WarnContext(ctx, "usage counting unavailable", "organization_id", org.ID, "error", err)
	}
	if overLimit {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "usage limit exceeded"})
		return
	}

	events := make([]*model.Event, 0, len(req.Events))
	clientIP := c.ClientIP()
	now := time.Now().UTC()
	for _, in := range req.Events {
		events = append(events, submittedEvent(in, org.ID, project.ID, clientIP, now))
	}

	task := queue.Task{
		Type:           queue.TaskTypeEventBatch,
		OrganizationID: org.ID,
		ProjectID:      project.ID,
		Events:         events,
	}
	if traceID := h.traceID(c); traceID != "" {
		task.TraceID = &traceID
	}

	if err := h.producer.Enqueue(ctx, task); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue event batch", "project_id", project.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept events"})
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitEventsResponse{
		Accepted: len(events),
		Enqueued: true,
	})
}

// Schema serves the JSON schema of the submission payload so clients can
// validate before sending.
func (h *EventSubmitHandler) Schema(c *gin.Context) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	c.JSON(http.StatusOK, reflector.Reflect(&dto.SubmitEventsRequest{}))
}

func (h *EventSubmitHandler) traceID(c *gin.Context) string {
	if traceID := c.GetHeader(h.traceHeader); traceID != "" {
		return traceID
	}
	if spanCtx := trace.SpanContextFromContext(c.Request.Context()); spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

func submittedEvent(in dto.SubmitEvent, orgID, projectID int64, clientIP string, now time.Time) *model.Event {
	date := now
	if in.Date != nil {
		date = in.Date.UTC()
	}
	return &model.Event{
		OrganizationID: orgID,
		ProjectID:      projectID,
		StackID:        in.StackID,
		Type:           in.Type,
		Source:         in.Source,
		Message:        in.Message,
		Date:           date,
		Tags:           in.Tags,
		SessionID:      in.SessionID,
		Identity:       in.Identity,
		IdentityName:   in.IdentityName,
		Version:        in.Version,
		ClientIP:       clientIP,
		ReferenceID:    in.ReferenceID,
		Data:           in.Data,
	}
}
