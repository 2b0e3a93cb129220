package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/retry"
	"github.com/unbracketed/zoea-collab-sub000/internal/scheduler"
	"github.com/unbracketed/zoea-collab-sub000/internal/store"
)

// OrganizationHeader carries the caller's tenant on every /api request.
const OrganizationHeader = "X-Organization-ID"

// DefaultMaxRetries applies when retry-failed is called without max_retries.
const DefaultMaxRetries = 3

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

const orgKey = "organization_id"

type Store interface {
	ListTriggers(ctx context.Context, orgID int64, f store.TriggerFilter) ([]domain.Trigger, error)
	GetOrgTrigger(ctx context.Context, orgID, id int64) (domain.Trigger, error)
	CreateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	UpdateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	DeleteTrigger(ctx context.Context, orgID, id int64) error

	// CountOrgDocuments returns how many of ids belong to orgID.
	CountOrgDocuments(ctx context.Context, orgID int64, ids []int64) (int, error)

	ListRuns(ctx context.Context, orgID int64, f store.RunFilter) ([]domain.Run, error)
	GetRunByUUID(ctx context.Context, orgID int64, runID uuid.UUID) (domain.Run, error)

	ListScheduledEvents(ctx context.Context, orgID int64) ([]domain.ScheduledEvent, error)
	GetOrgScheduledEvent(ctx context.Context, orgID, id int64) (domain.ScheduledEvent, error)
	CreateScheduledEvent(ctx context.Context, se domain.ScheduledEvent) (domain.ScheduledEvent, error)
	DeleteScheduledEvent(ctx context.Context, orgID, id int64) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) ([]domain.Run, error)
	DispatchTrigger(ctx context.Context, trig domain.Trigger, ev domain.Event) (domain.Run, error)
}

type Scheduler interface {
	Execute(ctx context.Context, id int64) (scheduler.FireResult, error)
	Register(ctx context.Context, se domain.ScheduledEvent) (bool, error)
	Unregister(ctx context.Context, se domain.ScheduledEvent) error
}

type Retrier interface {
	RetryFailed(ctx context.Context, maxRetries int) (retry.Result, error)
}

// OutcomeReader reads per-trigger outcome counters.
type OutcomeReader interface {
	Outcomes(ctx context.Context, orgID, triggerID int64, at time.Time) (map[domain.RunStatus]int64, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store      Store
	dispatcher Dispatcher
	scheduler  Scheduler
	retrier    Retrier
	outcomes   OutcomeReader
	db         HealthChecker
	log        *zap.Logger
	clock      func() time.Time
}

func NewHandler(store Store, dispatcher Dispatcher, sched Scheduler, retrier Retrier) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		scheduler:  sched,
		retrier:    retrier,
		log:        zap.NewNop(),
		clock:      time.Now,
	}
}

func (h *Handler) WithLogger(log *zap.Logger) *Handler {
	h.log = log
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithOutcomes enables GET /api/triggers/:id/stats.
func (h *Handler) WithOutcomes(r OutcomeReader) *Handler {
	h.outcomes = r
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// Router builds the gin engine serving the handler.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log), limitBody(maxRequestBodySize))
	h.Register(r)
	return r
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.health)

	g := r.Group("/api", requireOrganization())
	g.GET("/event-types", h.listEventTypes)
	g.POST("/events", h.ingestEvent)

	g.GET("/triggers", h.listTriggers)
	g.POST("/triggers", h.createTrigger)
	g.GET("/triggers/:id", h.getTrigger)
	g.PUT("/triggers/:id", h.updateTrigger)
	g.DELETE("/triggers/:id", h.deleteTrigger)
	g.POST("/triggers/:id/dispatch", h.dispatchTrigger)
	g.GET("/triggers/:id/stats", h.triggerStats)

	g.GET("/runs", h.listRuns)
	g.POST("/runs/retry-failed", h.retryFailed)
	g.GET("/runs/:run_id", h.getRun)

	g.GET("/scheduled-events", h.listScheduledEvents)
	g.POST("/scheduled-events", h.createScheduledEvent)
	g.GET("/scheduled-events/:id", h.getScheduledEvent)
	g.DELETE("/scheduled-events/:id", h.deleteScheduledEvent)
	g.POST("/scheduled-events/:id/register", h.registerScheduledEvent)
	g.POST("/scheduled-events/:id/unregister", h.unregisterScheduledEvent)
	g.POST("/scheduled-events/:id/execute", h.executeScheduledEvent)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("api: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func requireOrganization() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(OrganizationHeader)
		if raw == "" {
			abortError(c, http.StatusUnauthorized, "missing "+OrganizationHeader+" header")
			return
		}
		orgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || orgID <= 0 {
			abortError(c, http.StatusBadRequest, "invalid "+OrganizationHeader+" header")
			return
		}
		c.Set(orgKey, orgID)
		c.Next()
	}
}

func organization(c *gin.Context) int64 {
	return c.GetInt64(orgKey)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(c *gin.Context) {
	if c.Query("verbose") != "true" || h.db == nil {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: map[string]string{}}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	status := http.StatusOK
	if resp.Status == "degraded" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (h *Handler) listEventTypes(c *gin.Context) {
	types := domain.EventTypes()
	out := make([]EventTypeResponse, len(types))
	for i, t := range types {
		out[i] = EventTypeResponse{Value: string(t.Type), Label: t.Label}
	}
	c.JSON(http.StatusOK, out)
}

// Triggers

func (h *Handler) listTriggers(c *gin.Context) {
	var f store.TriggerFilter
	if raw := c.Query("event_type"); raw != "" {
		et, err := domain.ParseEventType(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid event_type")
			return
		}
		f.EventType = et
	}
	if raw := c.Query("project_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid project_id")
			return
		}
		f.ProjectID = &id
	}
	if raw := c.Query("enabled"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid enabled")
			return
		}
		f.Enabled = &v
	}

	triggers, err := h.store.ListTriggers(c.Request.Context(), organization(c), f)
	if err != nil {
		h.internalError(c, "list triggers", err)
		return
	}
	resp := ListTriggersResponse{Triggers: make([]TriggerResponse, len(triggers))}
	for i, t := range triggers {
		resp.Triggers[i] = toTriggerResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTrigger(c *gin.Context) {
	trig, ok := h.loadTrigger(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toTriggerResponse(trig))
}

func (h *Handler) createTrigger(c *gin.Context) {
	var req TriggerRequest
	if !bindJSON(c, &req) {
		return
	}
	eventType, err := validateTrigger(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	trig := applyTriggerRequest(domain.Trigger{OrganizationID: organization(c), Enabled: true}, req, eventType)
	created, err := h.store.CreateTrigger(c.Request.Context(), trig)
	if err != nil {
		h.internalError(c, "create trigger", err)
		return
	}
	h.log.Info("api: trigger created", zap.Int64("trigger_id", created.ID), zap.Int64("organization_id", created.OrganizationID))
	c.JSON(http.StatusCreated, toTriggerResponse(created))
}

func (h *Handler) updateTrigger(c *gin.Context) {
	existing, ok := h.loadTrigger(c)
	if !ok {
		return
	}
	var req TriggerRequest
	if !bindJSON(c, &req) {
		return
	}
	eventType, err := validateTrigger(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.store.UpdateTrigger(c.Request.Context(), applyTriggerRequest(existing, req, eventType))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(c, http.StatusNotFound, "trigger not found")
		return
	}
	if err != nil {
		h.internalError(c, "update trigger", err)
		return
	}
	c.JSON(http.StatusOK, toTriggerResponse(updated))
}

func (h *Handler) deleteTrigger(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	err := h.store.DeleteTrigger(c.Request.Context(), organization(c), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(c, http.StatusNotFound, "trigger not found")
		return
	}
	if err != nil {
		h.internalError(c, "delete trigger", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func applyTriggerRequest(t domain.Trigger, req TriggerRequest, eventType domain.EventType) domain.Trigger {
	t.Name = req.Name
	t.Description = req.Description
	t.EventType = eventType
	t.ProjectID = req.ProjectID
	t.Skills = req.Skills
	t.Filters = req.Filters
	t.AgentConfig = req.AgentConfig
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.RunAsync != nil {
		t.RunAsync = *req.RunAsync
	}
	return t
}

// dispatchTrigger manually fires a documents_selected trigger. Every
// document must belong to the caller's organization; otherwise nothing is
// dispatched.
func (h *Handler) dispatchTrigger(c *gin.Context) {
	trig, ok := h.loadTrigger(c)
	if !ok {
		return
	}
	if trig.EventType != domain.EventTypeDocumentsSelected {
		writeError(c, http.StatusBadRequest, "trigger does not accept documents_selected dispatch")
		return
	}
	if !trig.Enabled {
		writeError(c, http.StatusConflict, "trigger is disabled")
		return
	}

	var req DispatchRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validateDispatch(req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	orgID := organization(c)
	ids := uniqueIDs(req.DocumentIDs)
	n, err := h.store.CountOrgDocuments(ctx, orgID, ids)
	if err != nil {
		h.internalError(c, "count documents", err)
		return
	}
	if n != len(ids) {
		writeError(c, http.StatusBadRequest, "one or more documents not found in organization")
		return
	}

	data := domain.CloneData(req.Data)
	docIDs := make([]any, len(ids))
	for i, id := range ids {
		docIDs[i] = id
	}
	data["document_ids"] = docIDs

	projectID := req.ProjectID
	if projectID == nil {
		projectID = trig.ProjectID
	}
	run, err := h.dispatcher.DispatchTrigger(ctx, trig, domain.Event{
		Type:           domain.EventTypeDocumentsSelected,
		SourceType:     domain.SourceTypeManual,
		SourceID:       strconv.FormatInt(trig.ID, 10),
		Data:           data,
		OrganizationID: orgID,
		ProjectID:      projectID,
	})
	if err != nil {
		h.internalError(c, "dispatch trigger", err)
		return
	}
	c.JSON(http.StatusAccepted, DispatchResponse{Runs: []RunResponse{toRunResponse(run)}})
}

func (h *Handler) triggerStats(c *gin.Context) {
	if h.outcomes == nil {
		writeError(c, http.StatusNotFound, "analytics disabled")
		return
	}
	trig, ok := h.loadTrigger(c)
	if !ok {
		return
	}
	counts, err := h.outcomes.Outcomes(c.Request.Context(), trig.OrganizationID, trig.ID, h.clock())
	if err != nil {
		h.internalError(c, "read outcomes", err)
		return
	}
	resp := StatsResponse{TriggerID: trig.ID, Window: "current", Outcomes: map[string]int64{}}
	for status, n := range counts {
		resp.Outcomes[string(status)] = n
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ingestEvent(c *gin.Context) {
	var req EventRequest
	if !bindJSON(c, &req) {
		return
	}
	eventType, err := validateEvent(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.dispatcher.Dispatch(c.Request.Context(), domain.Event{
		Type:           eventType,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		Data:           req.Data,
		OrganizationID: organization(c),
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
	})
	if err != nil {
		h.internalError(c, "dispatch event", err)
		return
	}
	c.JSON(http.StatusAccepted, DispatchResponse{Runs: toRunResponses(runs)})
}

// Runs

func (h *Handler) listRuns(c *gin.Context) {
	limit, offset, err := parsePagination(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	f := store.RunFilter{Limit: limit, Offset: offset}
	if raw := c.Query("trigger_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid trigger_id")
			return
		}
		f.TriggerID = &id
	}
	if raw := c.Query("status"); raw != "" {
		st := domain.RunStatus(raw)
		if !st.Valid() {
			writeError(c, http.StatusBadRequest, "invalid status")
			return
		}
		f.Status = st
	}

	runs, err := h.store.ListRuns(c.Request.Context(), organization(c), f)
	if err != nil {
		h.internalError(c, "list runs", err)
		return
	}
	c.JSON(http.StatusOK, ListRunsResponse{Runs: toRunResponses(runs)})
}

func (h *Handler) getRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := h.store.GetRunByUUID(c.Request.Context(), organization(c), runID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(c, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.internalError(c, "get run", err)
		return
	}
	c.JSON(http.StatusOK, toRunResponse(run))
}

func (h *Handler) retryFailed(c *gin.Context) {
	maxRetries := DefaultMaxRetries
	if raw := c.Query("max_retries"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid max_retries")
			return
		}
		maxRetries = n
	}

	res, err := h.retrier.RetryFailed(c.Request.Context(), maxRetries)
	if err != nil {
		h.internalError(c, "retry failed runs", err)
		return
	}
	c.JSON(http.StatusOK, RetryResponse{
		Considered: res.Considered,
		Retried:    res.Retried,
		Runs:       toRunResponses(res.Runs),
	})
}

// Scheduled events

func (h *Handler) listScheduledEvents(c *gin.Context) {
	events, err := h.store.ListScheduledEvents(c.Request.Context(), organization(c))
	if err != nil {
		h.internalError(c, "list scheduled events", err)
		return
	}
	resp := ListScheduledEventsResponse{ScheduledEvents: make([]ScheduledEventResponse, len(events))}
	for i, se := range events {
		resp.ScheduledEvents[i] = toScheduledEventResponse(se)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getScheduledEvent(c *gin.Context) {
	se, ok := h.loadScheduledEvent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toScheduledEventResponse(se))
}

// createScheduledEvent stores the event and registers it with the queue
// when enabled. A registration failure leaves the row unregistered.
func (h *Handler) createScheduledEvent(c *gin.Context) {
	var req ScheduledEventRequest
	if !bindJSON(c, &req) {
		return
	}
	scheduleType, err := validateScheduledEvent(req, h.clock())
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	orgID := organization(c)
	if _, err := h.store.GetOrgTrigger(ctx, orgID, req.TriggerID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(c, http.StatusBadRequest, "trigger not found")
			return
		}
		h.internalError(c, "load trigger", err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	se := domain.ScheduledEvent{
		OrganizationID: orgID,
		TriggerID:      req.TriggerID,
		Name:           req.Name,
		ScheduleType:   scheduleType,
		Timezone:       req.Timezone,
		EventData:      req.EventData,
		Enabled:        enabled,
	}
	if scheduleType == domain.ScheduleTypeCron {
		se.CronExpression = req.CronExpression
	} else {
		at := req.ScheduledAt.UTC()
		se.ScheduledAt = &at
	}

	created, err := h.store.CreateScheduledEvent(ctx, se)
	if err != nil {
		h.internalError(c, "create scheduled event", err)
		return
	}

	if created.Enabled {
		if _, err := h.scheduler.Register(ctx, created); err != nil {
			h.log.Warn("api: register after create failed", zap.Int64("scheduled_event_id", created.ID), zap.Error(err))
		} else if refreshed, err := h.store.GetOrgScheduledEvent(ctx, orgID, created.ID); err == nil {
			created = refreshed
		}
	}
	c.JSON(http.StatusCreated, toScheduledEventResponse(created))
}

func (h *Handler) deleteScheduledEvent(c *gin.Context) {
	se, ok := h.loadScheduledEvent(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if se.QueueScheduleID != "" {
		if err := h.scheduler.Unregister(ctx, se); err != nil {
			h.log.Warn("api: unregister before delete failed", zap.Int64("scheduled_event_id", se.ID), zap.Error(err))
		}
	}
	err := h.store.DeleteScheduledEvent(ctx, se.OrganizationID, se.ID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(c, http.StatusNotFound, "scheduled event not found")
		return
	}
	if err != nil {
		h.internalError(c, "delete scheduled event", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) registerScheduledEvent(c *gin.Context) {
	se, ok := h.loadScheduledEvent(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	registered, err := h.scheduler.Register(ctx, se)
	if errors.Is(err, scheduler.ErrInvalidSchedule) {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(c, "register scheduled event", err)
		return
	}
	h.respondSchedule(c, se, registered)
}

func (h *Handler) unregisterScheduledEvent(c *gin.Context) {
	se, ok := h.loadScheduledEvent(c)
	if !ok {
		return
	}
	if err := h.scheduler.Unregister(c.Request.Context(), se); err != nil {
		h.internalError(c, "unregister scheduled event", err)
		return
	}
	h.respondSchedule(c, se, false)
}

func (h *Handler) respondSchedule(c *gin.Context, se domain.ScheduledEvent, registered bool) {
	if refreshed, err := h.store.GetOrgScheduledEvent(c.Request.Context(), se.OrganizationID, se.ID); err == nil {
		se = refreshed
	}
	c.JSON(http.StatusOK, RegisterResponse{Registered: registered, Event: toScheduledEventResponse(se)})
}

func (h *Handler) executeScheduledEvent(c *gin.Context) {
	se, ok := h.loadScheduledEvent(c)
	if !ok {
		return
	}
	res, err := h.scheduler.Execute(c.Request.Context(), se.ID)
	if err != nil {
		h.internalError(c, "execute scheduled event", err)
		return
	}
	resp := ExecuteResponse{Fired: res.Fired, Reason: res.Reason, Error: res.Error}
	if res.Run != nil {
		run := toRunResponse(*res.Run)
		resp.Run = &run
	}
	c.JSON(http.StatusOK, resp)
}

// Helpers

func (h *Handler) loadTrigger(c *gin.Context) (domain.Trigger, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return domain.Trigger{}, false
	}
	trig, err := h.store.GetOrgTrigger(c.Request.Context(), organization(c), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(c, http.StatusNotFound, "trigger not found")
		return domain.Trigger{}, false
	}
	if err != nil {
		h.internalError(c, "get trigger", err)
		return domain.Trigger{}, false
	}
	return trig, true
}

func (h *Handler) loadScheduledEvent(c *gin.Context) (domain.ScheduledEvent, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return domain.ScheduledEvent{}, false
	}
	se, err := h.store.GetOrgScheduledEvent(c.Request.Context(), organization(c), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(c, http.StatusNotFound, "scheduled event not found")
		return domain.ScheduledEvent{}, false
	}
	if err != nil {
		h.internalError(c, "get scheduled event", err)
		return domain.ScheduledEvent{}, false
	}
	return se, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.log.Error("api: "+op+" failed", zap.Error(err))
	writeError(c, http.StatusInternalServerError, "failed to "+op)
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, ErrorResponse{Error: msg})
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
func parsePagination(c *gin.Context) (limit, offset int, err error) {
	limit = store.DefaultLimit

	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > store.MaxLimit {
			return 0, 0, &limitExceededError{max: store.MaxLimit}
		}
		if limit == 0 {
			limit = store.DefaultLimit
		}
	}

	if raw := c.Query("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}
	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
