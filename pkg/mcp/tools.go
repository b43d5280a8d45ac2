package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/turnpike-ai/turnpike/internal/plan"
	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// handleTurn processes one conversational turn through the pipeline.
func (s *TurnpikeServer) handleTurn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query is required"), nil
	}
	sessionID := req.GetString("session_id", "")
	metadata := mcp.ParseStringMap(req, "metadata", nil)

	turnReq := &schema.TurnRequest{
		SessionID: sessionID,
		Query:     query,
		Metadata:  metadata,
	}

	if planMap := mcp.ParseStringMap(req, "plan", nil); planMap != nil {
		doc, parseErr := s.decodePlanDocument(planMap)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid plan document: %v", parseErr)), nil
		}
		turnReq.Plan = doc
	}

	result, runErr := s.pipeline.RunTurn(ctx, turnReq)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("turn failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handlePlan validates a plan document and, unless validate_only is set,
// applies it to the session's configuration under the route-lock rules.
func (s *TurnpikeServer) handlePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planMap := mcp.ParseStringMap(req, "plan", nil)
	if planMap == nil {
		return mcp.NewToolResultError("plan is required"), nil
	}
	sessionID := req.GetString("session_id", "")
	validateOnly := req.GetBool("validate_only", false)

	doc, err := s.decodePlanDocument(planMap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan document: %v", err)), nil
	}

	if validateOnly {
		normalized, buildErr := plan.FromDocument(doc)
		if buildErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("plan validation failed: %v", buildErr)), nil
		}
		return marshalResult(map[string]any{
			"valid":        true,
			"pattern":      normalized.Pattern(),
			"agents":       normalized.Agents(),
			"entry_point":  normalized.EntryPoint(),
			"skip_agents":  normalized.SkipAgents(),
			"route":        normalized.Route(),
			"route_locked": normalized.RouteLocked(),
		})
	}

	applied, applyErr := s.pipeline.ApplyPlan(ctx, sessionID, doc)
	if applyErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan apply failed: %v", applyErr)), nil
	}
	return marshalResult(applied)
}

// handleSession performs session inspection and cleanup operations.
func (s *TurnpikeServer) handleSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	sessionID := req.GetString("session_id", "")
	if action != "prune" && sessionID == "" {
		return mcp.NewToolResultError(fmt.Sprintf("session_id is required for action %q", action)), nil
	}

	switch action {
	case "get":
		sess, getErr := s.store.GetOrCreate(ctx, sessionID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("session lookup failed: %v", getErr)), nil
		}
		return marshalResult(sess)

	case "pending":
		kind, payload, pendErr := s.store.GetPending(ctx, sessionID)
		if pendErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("pending lookup failed: %v", pendErr)), nil
		}
		return marshalResult(map[string]any{
			"session_id": sessionID,
			"kind":       kind.String(),
			"payload":    payload,
			"has":        !kind.IsNone(),
		})

	case "clear_pending":
		if clearErr := s.store.ClearPending(ctx, sessionID); clearErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("clear pending failed: %v", clearErr)), nil
		}
		return marshalResult(map[string]any{"session_id": sessionID, "cleared": true})

	case "prune":
		pruned, pruneErr := s.store.PruneExpired(ctx)
		if pruneErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("prune failed: %v", pruneErr)), nil
		}
		return marshalResult(map[string]any{"pruned": len(pruned), "session_ids": pruned})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
}

// handleMetrics reports the resource pool counters.
func (s *TurnpikeServer) handleMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := s.pipeline.PoolMetrics()
	return marshalResult(map[string]any{
		"created":     m.Created,
		"reused":      m.Reused,
		"served":      m.Served,
		"reuse_ratio": m.ReuseRatio(),
	})
}

// decodePlanDocument converts a tool-argument map into a typed plan document,
// rejecting unknown fields the same way the document validator does.
func (s *TurnpikeServer) decodePlanDocument(planMap map[string]any) (*schema.PlanDocument, error) {
	raw, err := json.Marshal(planMap)
	if err != nil {
		return nil, err
	}
	if s.validator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan validator unavailable")
	}
	if err := s.validator.Validate(raw); err != nil {
		return nil, err
	}
	doc := &schema.PlanDocument{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
