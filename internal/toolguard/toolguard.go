// Package toolguard implements the PreToolUse pipeline: the sequence of
// checks run before any tool call is dispatched to the sandboxed agent
// process. Every step returns a discriminated decision — Allow, Deny or
// Challenge — never a panic. Rules run in spec order (§4.I): sensitive
// path, scope-sandbox root, scope tool allow-list, skill allow-list, tier
// command check, output size guard (applied post-hoc by TruncateOutput).
// First Deny wins.
package toolguard

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
)

// skillInputKeys are the input keys checked, in order, when extracting the
// skill name from a Skill tool call (§4.I.4). If more than one key is
// present and they disagree, the call is denied outright.
var skillInputKeys = []string{"skill", "name", "command"}

// skillPoisoningPrefixes are path prefixes (relative to the sandbox root)
// that no social-scope actor may write to, trusted or not (§4.I.3: "deny
// writes under the skill-definition directory — prevents skill
// poisoning").
var skillPoisoningPrefixes = []string{"skills/", ".claude/skills/"}

// moltbookDeniedTools are always denied in the moltbook (quarantine) scope
// even though the base file/shell toolset is allowed there (§4.I.3).
var moltbookDeniedTools = map[string]bool{
	"Skill":        true,
	"Task":         true,
	"NotebookEdit": true,
}

// writeTools are the tool names whose Path argument represents a write
// target, relevant to the skill-poisoning check.
var writeTools = map[string]bool{
	"Write": true,
	"Edit":  true,
}

// Request describes one proposed tool invocation awaiting a PreToolUse
// decision.
type Request struct {
	Scope     policy.Scope
	Tier      policy.Tier
	ActorID   string
	PoolKey   string // conversation pool key (§4.I/§4.J); carries the ":social" / ":proactive" / ":operator-query" / ":autonomous" trust suffix
	ToolName  string
	SkillName string            // empty when the call isn't skill-scoped
	SkillKeys map[string]string // raw skill/name/command input keys, for disagreement detection (§4.I.4); optional, SkillName used when this is nil
	AllowedSkills []string      // the caller's configured allowed_skills for this dispatch, nil means "not provided"
	Path      string            // filesystem path argument, empty when not a path-taking tool
	Command   string            // shell command argument, empty when not exec
}

// Verdict is the outcome of a PreToolUse evaluation.
type Verdict struct {
	Decision policy.Decision
	Reason   string
	// ResolvedPath is the canonicalized, sandbox-validated path when Request.Path
	// was set and the verdict allowed the call — callers must use this path,
	// never the raw request path, to avoid a second, unguarded resolution.
	ResolvedPath string
}

// Config is the subset of internal/config.ToolGuardConfig the guard needs,
// passed in directly rather than importing the config package, so this
// package stays testable without a Config value.
type Config struct {
	SensitivePaths   []string
	ScopeSandboxRoot map[string]string
	ScopeAllowTools  map[string][]string
	SkillAllowlist   []string
	TierCommands     map[string][]string
	MaxOutputBytes   int
}

type Guard struct {
	cfg Config
}

func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// untrustedSocialPool reports whether poolKey marks a notification-driven,
// untrusted social-zone invocation (§4.I.3): any pool key tagged ":social"
// that isn't also tagged with one of the trusted suffixes.
func untrustedSocialPool(poolKey string) bool {
	if !strings.Contains(poolKey, ":social") {
		return false
	}
	for _, trusted := range []string{":proactive", ":operator-query", ":autonomous"} {
		if strings.Contains(poolKey, trusted) {
			return false
		}
	}
	return true
}

// resolveSkillName extracts the skill name for a Skill tool call, checking
// skill/name/command in order. If more than one key is populated and they
// disagree, ok is false and the caller must deny (§4.I.4).
func resolveSkillName(req Request) (name string, ok bool) {
	if req.SkillKeys == nil {
		return req.SkillName, true
	}
	seen := ""
	for _, key := range skillInputKeys {
		v, present := req.SkillKeys[key]
		if !present || v == "" {
			continue
		}
		if seen == "" {
			seen = v
		} else if seen != v {
			return "", false
		}
	}
	return seen, true
}

// Evaluate runs the full PreToolUse pipeline and fails closed: any step that
// cannot be evaluated confidently returns Deny, never Allow.
func (g *Guard) Evaluate(req Request) Verdict {
	// Step 1 (§4.I.1): sensitive-path block, independent of scope/tier —
	// checked against the raw path-like tokens in both Path and Command
	// before any sandbox resolution, since a denied path should never even
	// reach the symlink/traversal resolver.
	if req.Path != "" && policy.IsSensitivePath(req.Path) {
		return deny("path %q is a sensitive path", req.Path)
	}
	if req.Command != "" && policy.IsSensitivePath(req.Command) {
		return deny("command references a sensitive path")
	}

	// Step 2 (§4.I.2): scope-sandbox root enforcement for path-taking tools.
	var resolved string
	if req.Path != "" {
		root := g.cfg.ScopeSandboxRoot[string(req.Scope)]
		if root == "" {
			return deny("no sandbox root configured for scope %q", req.Scope)
		}
		r, err := resolvePath(req.Path, root)
		if err != nil {
			slog.Warn("toolguard.path_denied", "scope", req.Scope, "path", req.Path, "error", err)
			return deny("%v", err)
		}
		if isSensitivePath(r, g.cfg.SensitivePaths) {
			return deny("path %q is a sensitive path", r)
		}
		resolved = r
	}

	// Step 3 (§4.I.3): scope tool allow-lists, with moltbook and social
	// carve-outs named explicitly by the spec ahead of any configured table.
	if req.Scope == policy.ScopeMoltbook && moltbookDeniedTools[req.ToolName] {
		return deny("tool %q is never allowed in the moltbook quarantine scope", req.ToolName)
	}
	if req.Scope == policy.ScopeSocial {
		if untrustedSocialPool(req.PoolKey) && req.ToolName == "Bash" {
			return deny("Bash is denied for untrusted social-zone invocations")
		}
		if writeTools[req.ToolName] && hasSkillPoisoningPrefix(req.Path) {
			return deny("writes under the skill-definition directory are denied from social scope")
		}
	}
	if allowed := g.cfg.ScopeAllowTools[string(req.Scope)]; len(allowed) > 0 {
		if !contains(allowed, req.ToolName) {
			return deny("tool %q not allowed for scope %q", req.ToolName, req.Scope)
		}
	}

	// Step 4 (§4.I.4): skill allow-list.
	if req.ToolName == "Skill" {
		skillName, agree := resolveSkillName(req)
		if !agree {
			return deny("skill name input keys disagree")
		}
		if req.Tier == policy.TierSocial && req.AllowedSkills == nil {
			return deny("SOCIAL tier requires an explicit allowed_skills list")
		}
		allowlist := req.AllowedSkills
		if allowlist == nil {
			allowlist = g.cfg.SkillAllowlist
		}
		if len(allowlist) > 0 && !contains(allowlist, skillName) {
			return deny("skill %q not in allowlist", skillName)
		}
	}

	// Step 5 (§4.I.5): tier command check for exec-style tools.
	if req.Command != "" {
		if req.Tier == policy.TierWriteLocal {
			if reason, blocked := policy.ContainsBlockedCommand(req.Command); blocked {
				return deny("%s", reason)
			}
		}
		denied, reason := checkCommand(req.Command, g.cfg.TierCommands[string(req.Tier)])
		if denied {
			return deny("%s", reason)
		}
	}

	return Verdict{Decision: policy.Allow, ResolvedPath: resolved}
}

func hasSkillPoisoningPrefix(path string) bool {
	if path == "" {
		return false
	}
	cleaned := strings.TrimPrefix(path, "/")
	for _, prefix := range skillPoisoningPrefixes {
		if strings.HasPrefix(cleaned, prefix) {
			return true
		}
	}
	return false
}

// truncationHeadFraction is the share of the byte budget spent on the head
// of the output; the rest goes to the tail, so callers see both where a
// long output started and how it ended.
const truncationHeadFraction = 0.5

// TruncateOutput is the final PreToolUse step, run after a tool produces
// output. Output over the configured cap isn't denied — it's truncated to
// a head/tail window around a marker naming how many characters were cut,
// so the agent still sees the shape of a long result.
func (g *Guard) TruncateOutput(s string) (out string, truncated bool) {
	max := g.cfg.MaxOutputBytes
	if max <= 0 {
		max = 100 * 1024
	}
	if len(s) <= max {
		return s, false
	}

	headLen := int(float64(max) * truncationHeadFraction)
	tailLen := max - headLen
	marker := fmt.Sprintf("\n[... truncated %d chars ...]\n", len(s)-headLen-tailLen)
	return s[:headLen] + marker + s[len(s)-tailLen:], true
}

func deny(format string, args ...interface{}) Verdict {
	return Verdict{Decision: policy.Deny, Reason: fmt.Sprintf(format, args...)}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
