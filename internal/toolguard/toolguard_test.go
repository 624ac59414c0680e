package toolguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
)

func TestEvaluatePathEscape(t *testing.T) {
	root := t.TempDir()
	g := New(Config{
		ScopeSandboxRoot: map[string]string{"telegram": root},
	})

	t.Run("inside root is allowed", func(t *testing.T) {
		v := g.Evaluate(Request{Scope: policy.ScopeTelegram, Path: "notes.txt"})
		if v.Decision != policy.Allow {
			t.Fatalf("expected allow, got %v (%s)", v.Decision, v.Reason)
		}
	})

	t.Run("traversal outside root is denied", func(t *testing.T) {
		v := g.Evaluate(Request{Scope: policy.ScopeTelegram, Path: "../../etc/passwd"})
		if v.Decision != policy.Deny {
			t.Fatalf("expected deny, got %v", v.Decision)
		}
	})

	t.Run("missing sandbox root denies", func(t *testing.T) {
		v := g.Evaluate(Request{Scope: policy.ScopeAgent, Path: "x"})
		if v.Decision != policy.Deny {
			t.Fatalf("expected deny for unconfigured scope, got %v", v.Decision)
		}
	})
}

func TestEvaluateSensitivePath(t *testing.T) {
	root := t.TempDir()
	secret := filepath.Join(root, ".env")
	if err := os.WriteFile(secret, []byte("SECRET=1"), 0600); err != nil {
		t.Fatal(err)
	}
	g := New(Config{
		ScopeSandboxRoot: map[string]string{"telegram": root},
		SensitivePaths:   []string{secret},
	})
	v := g.Evaluate(Request{Scope: policy.ScopeTelegram, Path: ".env"})
	if v.Decision != policy.Deny {
		t.Fatalf("expected sensitive path deny, got %v", v.Decision)
	}
}

func TestEvaluateScopeToolAllowlist(t *testing.T) {
	g := New(Config{
		ScopeAllowTools: map[string][]string{"social": {"read_file"}},
	})
	if v := g.Evaluate(Request{Scope: policy.ScopeSocial, ToolName: "exec"}); v.Decision != policy.Deny {
		t.Fatalf("expected deny for disallowed tool, got %v", v.Decision)
	}
	if v := g.Evaluate(Request{Scope: policy.ScopeSocial, ToolName: "read_file"}); v.Decision != policy.Allow {
		t.Fatalf("expected allow for allowlisted tool, got %v (%s)", v.Decision, v.Reason)
	}
}

func TestEvaluateCommandDenyPattern(t *testing.T) {
	g := New(Config{})
	v := g.Evaluate(Request{Command: "rm -rf /"})
	if v.Decision != policy.Deny {
		t.Fatalf("expected deny for destructive command, got %v", v.Decision)
	}
}

func TestEvaluateTierCommandAllowlist(t *testing.T) {
	g := New(Config{
		TierCommands: map[string][]string{"READ_ONLY": {"git status", "ls"}},
	})
	v := g.Evaluate(Request{Tier: policy.TierReadOnly, Command: "git push origin main"})
	if v.Decision != policy.Deny {
		t.Fatalf("expected deny for command outside tier allowlist, got %v", v.Decision)
	}
	v = g.Evaluate(Request{Tier: policy.TierReadOnly, Command: "git status"})
	if v.Decision != policy.Allow {
		t.Fatalf("expected allow for command in tier allowlist, got %v (%s)", v.Decision, v.Reason)
	}
}

func TestTruncateOutputUnderLimit(t *testing.T) {
	g := New(Config{MaxOutputBytes: 10})
	out, truncated := g.TruncateOutput("short")
	if truncated || out != "short" {
		t.Fatalf("expected untouched output under limit, got %q truncated=%v", out, truncated)
	}
}

func TestTruncateOutputOverLimit(t *testing.T) {
	g := New(Config{MaxOutputBytes: 20})
	original := "0123456789abcdefghijklmnopqrstuvwxyz"
	out, truncated := g.TruncateOutput(original)
	if !truncated {
		t.Fatal("expected truncation over limit")
	}
	if !contains2([]string{out}, "truncated") {
		// out must mention how many chars were cut
		t.Fatalf("expected a truncation marker in output, got %q", out)
	}
	if len(out) >= len(original) {
		t.Fatalf("expected truncated output shorter than original, got %d vs %d", len(out), len(original))
	}
	if out[:5] != original[:5] {
		t.Fatalf("expected truncated output to keep the head, got %q", out[:5])
	}
	if out[len(out)-5:] != original[len(original)-5:] {
		t.Fatalf("expected truncated output to keep the tail, got %q", out[len(out)-5:])
	}
}

func TestEvaluateMoltbookDeniesSkillTaskNotebook(t *testing.T) {
	g := New(Config{})
	for _, tool := range []string{"Skill", "Task", "NotebookEdit"} {
		v := g.Evaluate(Request{Scope: policy.ScopeMoltbook, ToolName: tool})
		if v.Decision != policy.Deny {
			t.Errorf("expected deny for %s in moltbook scope, got %v", tool, v.Decision)
		}
	}
}

func TestEvaluateUntrustedSocialDeniesBash(t *testing.T) {
	g := New(Config{})
	untrusted := g.Evaluate(Request{Scope: policy.ScopeSocial, ToolName: "Bash", PoolKey: "svc:social"})
	if untrusted.Decision != policy.Deny {
		t.Fatalf("expected deny for Bash from untrusted social pool, got %v", untrusted.Decision)
	}
	trusted := g.Evaluate(Request{Scope: policy.ScopeSocial, ToolName: "Bash", PoolKey: "svc:proactive"})
	if trusted.Decision != policy.Allow {
		t.Fatalf("expected allow for Bash from trusted social pool, got %v (%s)", trusted.Decision, trusted.Reason)
	}
}

func TestEvaluateSocialDeniesSkillDirectoryWrites(t *testing.T) {
	root := t.TempDir()
	g := New(Config{ScopeSandboxRoot: map[string]string{"social": root}})
	v := g.Evaluate(Request{Scope: policy.ScopeSocial, ToolName: "Write", PoolKey: "svc:proactive", Path: "skills/evil/SKILL.md"})
	if v.Decision != policy.Deny {
		t.Fatalf("expected deny for write under skills/ from social scope, got %v (%s)", v.Decision, v.Reason)
	}
}

func TestEvaluateSkillKeyDisagreementDenied(t *testing.T) {
	g := New(Config{SkillAllowlist: []string{"foo"}})
	v := g.Evaluate(Request{ToolName: "Skill", SkillKeys: map[string]string{"skill": "foo", "name": "bar"}})
	if v.Decision != policy.Deny {
		t.Fatalf("expected deny when skill input keys disagree, got %v", v.Decision)
	}
}

func TestEvaluateSocialTierRequiresExplicitSkillList(t *testing.T) {
	g := New(Config{SkillAllowlist: []string{"foo"}})
	v := g.Evaluate(Request{ToolName: "Skill", Tier: policy.TierSocial, SkillName: "foo"})
	if v.Decision != policy.Deny {
		t.Fatalf("expected deny for SOCIAL tier without explicit allowed_skills, got %v", v.Decision)
	}
	v = g.Evaluate(Request{ToolName: "Skill", Tier: policy.TierSocial, SkillName: "foo", AllowedSkills: []string{"foo"}})
	if v.Decision != policy.Allow {
		t.Fatalf("expected allow once allowed_skills is explicit and contains the skill, got %v (%s)", v.Decision, v.Reason)
	}
}

func contains2(haystack []string, substr string) bool {
	for _, s := range haystack {
		if len(s) >= len(substr) {
			for i := 0; i+len(substr) <= len(s); i++ {
				if s[i:i+len(substr)] == substr {
					return true
				}
			}
		}
	}
	return false
}
