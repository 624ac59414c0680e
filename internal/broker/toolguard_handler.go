package broker

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/toolguard"
)

// toolGuardEvaluateRequest is the shape the agent process sends for every
// PreToolUse callback (§4.I): one proposed tool invocation, described the
// same way internal/toolguard.Request describes it internally.
type toolGuardEvaluateRequest struct {
	endpointRequest
	Tier          string            `json:"tier"`
	PoolKey       string            `json:"pool_key"`
	ToolName      string            `json:"tool_name"`
	SkillName     string            `json:"skill_name"`
	SkillKeys     map[string]string `json:"skill_keys"`
	AllowedSkills []string          `json:"allowed_skills"`
	Path          string            `json:"path"`
	Command       string            `json:"command"`
}

type toolGuardEvaluateResponse struct {
	Decision     string `json:"decision"`
	Reason       string `json:"reason,omitempty"`
	ResolvedPath string `json:"resolved_path,omitempty"`
}

func (s *Server) handleToolGuardEvaluate(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.deps.ToolGuard == nil {
		writeError(w, http.StatusServiceUnavailable, "tool guard not configured")
		return
	}
	var req toolGuardEvaluateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name required")
		return
	}

	scope, err := policy.ParseScope(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown scope")
		return
	}

	verdict := s.deps.ToolGuard.Evaluate(toolguard.Request{
		Scope:         scope,
		Tier:          policy.Tier(req.Tier),
		ActorID:       req.ActorID,
		PoolKey:       req.PoolKey,
		ToolName:      req.ToolName,
		SkillName:     req.SkillName,
		SkillKeys:     req.SkillKeys,
		AllowedSkills: req.AllowedSkills,
		Path:          req.Path,
		Command:       req.Command,
	})

	writeJSON(w, http.StatusOK, toolGuardEvaluateResponse{
		Decision:     string(verdict.Decision),
		Reason:       verdict.Reason,
		ResolvedPath: verdict.ResolvedPath,
	})
}

type toolGuardTruncateRequest struct {
	endpointRequest
	Output string `json:"output"`
}

type toolGuardTruncateResponse struct {
	Output    string `json:"output"`
	Truncated bool   `json:"truncated"`
}

// handleToolGuardTruncate is the post-hoc half of the PreToolUse pipeline
// (§4.I.5): run once a tool call returns, after Evaluate already allowed it.
func (s *Server) handleToolGuardTruncate(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.deps.ToolGuard == nil {
		writeError(w, http.StatusServiceUnavailable, "tool guard not configured")
		return
	}
	var req toolGuardTruncateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	out, truncated := s.deps.ToolGuard.TruncateOutput(req.Output)
	writeJSON(w, http.StatusOK, toolGuardTruncateResponse{Output: out, Truncated: truncated})
}
