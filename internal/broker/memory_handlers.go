package broker

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/memory"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
)

type memorySnapshotRequest struct {
	endpointRequest
	Category string `json:"category,omitempty"` // empty = every category
}

var allMemoryCategories = []memory.Category{
	memory.CategoryProfile, memory.CategoryInterests, memory.CategoryMeta,
	memory.CategoryThreads, memory.CategoryPosts,
}

// handleMemorySnapshot returns the current persona-visible memory set —
// the non-quarantined entries a public-facing agent may draw on.
func (s *Server) handleMemorySnapshot(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusInternalServerError, "memory store not configured")
		return
	}
	var req memorySnapshotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	categories := allMemoryCategories
	if req.Category != "" {
		categories = []memory.Category{memory.Category(req.Category)}
	}

	var entries []*memory.Entry
	for _, c := range categories {
		e, err := s.deps.Memory.ListForPersona(r.Context(), c)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries = append(entries, e...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type memoryProposeRequest struct {
	endpointRequest
	Category string `json:"category"`
	Content  string `json:"content"`
}

// handleMemoryPropose writes a new memory entry whose trust is assigned
// from the requesting scope, never the client payload (§3) — the scope
// comes off the verified internal-auth header via the endpoint request,
// not a client-supplied trust field.
func (s *Server) handleMemoryPropose(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusInternalServerError, "memory store not configured")
		return
	}
	var req memoryProposeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	scope, err := policy.ParseScope(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown scope")
		return
	}

	entry, err := s.deps.Memory.Write(r.Context(), memory.Category(req.Category), req.Content, scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type memoryQuarantineRequest struct {
	endpointRequest
	EntryID string `json:"entry_id"`
}

// handleMemoryQuarantine quarantines an entry. Forbidden from the
// moltbook scope (§4.K): an untrusted actor must never be able to erase
// its own content's visibility trail from the outside.
func (s *Server) handleMemoryQuarantine(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusInternalServerError, "memory store not configured")
		return
	}
	var req memoryQuarantineRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if policy.Scope(req.Scope) == policy.ScopeMoltbook {
		writeError(w, http.StatusForbidden, "quarantine is not permitted from this scope")
		return
	}
	if req.EntryID == "" {
		writeError(w, http.StatusBadRequest, "entry_id required")
		return
	}
	if err := s.deps.Memory.Quarantine(r.Context(), req.EntryID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "quarantined"})
}
