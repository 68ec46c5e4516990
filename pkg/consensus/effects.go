package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Consensus log event types written by effects.
const (
	EventProposalDecided    = "PROPOSAL_DECIDED"
	EventNodeActivation     = "NODE_ACTIVATION"
	EventParameterChange    = "PARAMETER_CHANGE"
	EventSystemUpdate       = "SYSTEM_UPDATE"
	EventHighPriorityAction = "HIGH_PRIORITY_ACTION"
)

// NodeActivator admits a node into the active set.
type NodeActivator interface {
	ActivateNode(ctx context.Context, nodeID, endpoint, proposalID string) error
}

// ParameterWriter stores system parameters.
type ParameterWriter interface {
	SetParameters(ctx context.Context, params map[string]string, proposalID string) error
}

// EventLogger appends to the consensus log.
type EventLogger interface {
	LogEvent(ctx context.Context, eventType, proposalID, nodeID string, details any) error
}

// NodeAdmissionPayload is the payload of a NODE_ADMISSION proposal.
type NodeAdmissionPayload struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint,omitempty"`
}

// ParameterChangePayload is the payload of a PARAMETER_CHANGE proposal.
type ParameterChangePayload struct {
	Parameters map[string]json.RawMessage `json:"parameters"`
}

// DecisionEffects applies the type-specific effects of accepted proposals.
// Rejected proposals have no effect.
type DecisionEffects struct {
	Nodes  NodeActivator
	Params ParameterWriter
	Events EventLogger
	Logger *slog.Logger
}

// Apply runs the effect for p. Failures are returned for logging; the
// decision itself stands.
func (e *DecisionEffects) Apply(ctx context.Context, p Proposal, d Decision) error {
	if d.Outcome != StatusAccepted {
		return nil
	}
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("proposal_id", p.ID, "type", p.Type)

	switch p.Type {
	case TypeNodeAdmission:
		return e.admitNode(ctx, log, p)
	case TypeParameterChange:
		return e.changeParameters(ctx, log, p)
	case TypeSystemUpdate:
		log.InfoContext(ctx, "system update approved")
		return e.logEvent(ctx, EventSystemUpdate, p.ID, "", rawOrEmpty(p.Payload))
	case TypeSecurityUpdate, TypeEmergency:
		log.WarnContext(ctx, "high priority proposal accepted")
		return e.logEvent(ctx, EventHighPriorityAction, p.ID, "", map[string]any{
			"type":    p.Type,
			"payload": rawOrEmpty(p.Payload),
		})
	default:
		return nil
	}
}

func (e *DecisionEffects) admitNode(ctx context.Context, log *slog.Logger, p Proposal) error {
	var payload NodeAdmissionPayload
	if err := json.Unmarshal(p.Payload, &payload); err != nil {
		return fmt.Errorf("node admission %s: decode payload: %w", p.ID, err)
	}
	if payload.NodeID == "" {
		return fmt.Errorf("node admission %s: payload has no node_id", p.ID)
	}
	if e.Nodes == nil {
		return errors.New("node admission: no node activator configured")
	}
	if err := e.Nodes.ActivateNode(ctx, payload.NodeID, payload.Endpoint, p.ID); err != nil {
		return fmt.Errorf("node admission %s: %w", p.ID, err)
	}
	log.InfoContext(ctx, "node activated", "node_id", payload.NodeID)
	return e.logEvent(ctx, EventNodeActivation, p.ID, payload.NodeID, map[string]any{
		"endpoint":    payload.Endpoint,
		"vote_result": StatusAccepted,
	})
}

func (e *DecisionEffects) changeParameters(ctx context.Context, log *slog.Logger, p Proposal) error {
	var payload ParameterChangePayload
	if err := json.Unmarshal(p.Payload, &payload); err != nil {
		return fmt.Errorf("parameter change %s: decode payload: %w", p.ID, err)
	}
	if len(payload.Parameters) == 0 {
		log.WarnContext(ctx, "parameter change has no parameters")
		return nil
	}
	if e.Params == nil {
		return errors.New("parameter change: no parameter writer configured")
	}

	params := make(map[string]string, len(payload.Parameters))
	keys := make([]string, 0, len(payload.Parameters))
	for k, v := range payload.Parameters {
		params[k] = string(v)
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := e.Params.SetParameters(ctx, params, p.ID); err != nil {
		return fmt.Errorf("parameter change %s: %w", p.ID, err)
	}
	log.InfoContext(ctx, "system parameters updated", "count", len(keys))
	return e.logEvent(ctx, EventParameterChange, p.ID, "", map[string]any{
		"parameters_updated": keys,
	})
}

func (e *DecisionEffects) logEvent(ctx context.Context, eventType, proposalID, nodeID string, details any) error {
	if e.Events == nil {
		return nil
	}
	return e.Events.LogEvent(ctx, eventType, proposalID, nodeID, details)
}

func rawOrEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("{}")
	}
	return b
}
