package web

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/genflow/pkg/events"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	defaultDLQLimit = 50
	maxDLQLimit     = 500
)

type APIHandlers struct {
	executions *services.Executions
	validator  *validator.Validate
	registry   *registry.Registry
	hub        *Hub
	keepAlive  time.Duration
}

func NewAPIHandlers(
	executions *services.Executions,
	validator *validator.Validate,
	registry *registry.Registry,
	hub *Hub,
) *APIHandlers {
	return &APIHandlers{
		executions: executions,
		validator:  validator,
		registry:   registry,
		hub:        hub,
		keepAlive:  15 * time.Second,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.executions.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Genflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Genflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetNodeTypes(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"node_types": h.registry.Types()})
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	workflowID := c.Params("id")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req StartExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.executions.Start(c.Context(), services.StartRequest{
		WorkflowID:        workflowID,
		Debug:             req.Debug,
		ParentExecutionID: req.ParentExecutionID,
		ParentNodeID:      req.ParentNodeID,
		Depth:             req.Depth,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) StartPartialExecution(c fiber.Ctx) error {
	workflowID := c.Params("id")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req PartialExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.executions.StartPartial(c.Context(), services.PartialRequest{
		WorkflowID:        workflowID,
		NodeIDs:           req.NodeIDs,
		SourceExecutionID: req.SourceExecutionID,
		Debug:             req.Debug,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.executions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) StopExecution(c fiber.Ctx) error {
	execution, err := h.executions.Stop(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	execution, err := h.executions.Resume(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetExecutionJobs(c fiber.Ctx) error {
	jobs, err := h.executions.ListJobs(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(JobsResponse{Jobs: jobs})
}

func (h *APIHandlers) GetJobByPrediction(c fiber.Ctx) error {
	job, err := h.executions.JobByPredictionID(c.Context(), c.Params("predictionId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

func (h *APIHandlers) GetJobStats(c fiber.Ctx) error {
	stats, err := h.executions.JobStats(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(stats)
}

func (h *APIHandlers) GetDeadLetterJobs(c fiber.Ctx) error {
	limit, offset, err := parsePage(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	jobs, total, err := h.executions.DeadLetterJobs(c.Context(), limit, offset)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(DLQResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

func (h *APIHandlers) RetryDeadLetterJob(c fiber.Ctx) error {
	job, err := h.executions.RetryDeadLetterJob(c.Context(), c.Params("jobId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(job)
}

func (h *APIHandlers) RecoverExecution(c fiber.Ctx) error {
	recovered, err := h.executions.Recover(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"recovered": recovered})
}

// StreamExecution sends the current execution snapshot followed by live updates as
// server-sent events. The stream ends once the execution reaches a terminal status.
func (h *APIHandlers) StreamExecution(c fiber.Ctx) error {
	executionID := c.Params("id")

	execution, err := h.executions.Get(c.Context(), executionID)
	if err != nil {
		return handleServiceError(c, err)
	}

	updates, release := h.hub.Subscribe(executionID)
	snapshot := events.NewExecutionUpdated(execution)
	keepAlive := h.keepAlive

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Response().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()

		if writeEvent(w, snapshot) != nil || snapshot.IsTerminal() {
			return
		}

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-updates:
				if !ok {
					return
				}

				if writeEvent(w, event) != nil || isFinalUpdate(event) {
					return
				}
			case <-ticker.C:
				_, err := fmt.Fprint(w, ": keep-alive\n\n")
				if err != nil || w.Flush() != nil {
					return
				}
			}
		}
	})

	return nil
}

func parsePage(c fiber.Ctx) (int, int, error) {
	limit := defaultDLQLimit
	offset := 0

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxDLQLimit {
			return 0, 0, fmt.Errorf("limit must be between 1 and %d", maxDLQLimit)
		}

		limit = parsed
	}

	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}

		offset = parsed
	}

	return limit, offset, nil
}
