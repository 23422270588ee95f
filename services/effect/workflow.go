package effect

import (
	"context"
	"fmt"

	"effect-dispatch/pkg/workflow"
	"effect-dispatch/services/dispatch"
)

// Signaler is the part of the Temporal client the workflow handler needs.
type Signaler interface {
	SignalWorkflow(ctx context.Context, workflowID string, runID string, signalName string, arg interface{}) error
}

// WorkflowSignal is the argument sent with the signal.
type WorkflowSignal struct {
	EventID        string         `json:"event_id"`
	EventName      string         `json:"event_name"`
	TenantID       string         `json:"tenant_id"`
	EntityType     string         `json:"entity_type,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// WorkflowSignalHandler advances a running workflow. The workflow id is read
// from the payload key named by config.workflow_id_field, "workflow_id" by
// default; the signal name comes from config.signal.
type WorkflowSignalHandler struct {
	client Signaler
}

func NewWorkflowSignalHandler(client Signaler) *WorkflowSignalHandler {
	return &WorkflowSignalHandler{client: client}
}

func (h *WorkflowSignalHandler) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	field := configString(req, "workflow_id_field")
	if field == "" {
		field = "workflow_id"
	}
	workflowID := req.Event.PayloadString(field)
	if workflowID == "" {
		return dispatch.Result{Success: false, Error: fmt.Sprintf("payload has no %s", field)}, nil
	}

	signal := configString(req, "signal")
	if signal == "" {
		signal = workflow.DefaultSignal
	}

	err := h.client.SignalWorkflow(ctx, workflowID, req.Event.PayloadString("run_id"), signal, WorkflowSignal{
		EventID:        req.Event.ID,
		EventName:      req.Event.EventName,
		TenantID:       req.Event.TenantID,
		EntityType:     req.Event.EntityType,
		EntityID:       req.Event.EntityID,
		Payload:        req.Event.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("signal workflow %s: %w", workflowID, err)
	}
	return dispatch.Result{Success: true, Data: map[string]any{"workflow_id": workflowID, "signal": signal}}, nil
}
