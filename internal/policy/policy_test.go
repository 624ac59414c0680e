package policy

import "testing"

func TestTierAtLeast(t *testing.T) {
	cases := []struct {
		have, min Tier
		want      bool
	}{
		{TierReadOnly, TierReadOnly, true},
		{TierReadOnly, TierWriteLocal, false},
		{TierFullAccess, TierReadOnly, true},
		{TierSocial, TierReadOnly, false},
		{TierSocial, TierSocial, true},
	}
	for _, c := range cases {
		if got := c.have.AtLeast(c.min); got != c.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", c.have, c.min, got, c.want)
		}
	}
}

func TestEngineGetUserPermissionTier(t *testing.T) {
	e := NewEngine(TierReadOnly, TierSocial,
		map[Scope]Tier{ScopeAgent: TierFullAccess},
		map[string]Tier{"owner-1": TierFullAccess},
	)

	t.Run("social scope always resolves to social tier", func(t *testing.T) {
		if got := e.GetUserPermissionTier(ScopeSocial, "owner-1"); got != TierSocial {
			t.Fatalf("got %s, want SOCIAL", got)
		}
	})

	t.Run("actor override wins over scope default", func(t *testing.T) {
		if got := e.GetUserPermissionTier(ScopeTelegram, "owner-1"); got != TierFullAccess {
			t.Fatalf("got %s, want FULL_ACCESS", got)
		}
	})

	t.Run("scope default applies without actor override", func(t *testing.T) {
		if got := e.GetUserPermissionTier(ScopeAgent, "stranger"); got != TierFullAccess {
			t.Fatalf("got %s, want FULL_ACCESS", got)
		}
	})

	t.Run("falls back to global default", func(t *testing.T) {
		if got := e.GetUserPermissionTier(ScopeMoltbook, "stranger"); got != TierReadOnly {
			t.Fatalf("got %s, want READ_ONLY", got)
		}
	})
}

func TestEngineEvaluate(t *testing.T) {
	e := NewEngine(TierReadOnly, TierSocial, nil, map[string]Tier{"owner-1": TierFullAccess})

	if d := e.Evaluate(ScopeTelegram, "owner-1", TierFullAccess); d != Allow {
		t.Fatalf("expected allow, got %s", d)
	}
	if d := e.Evaluate(ScopeTelegram, "stranger", TierFullAccess); d != Deny {
		t.Fatalf("expected deny, got %s", d)
	}
	if d := e.Evaluate(ScopeSocial, "owner-1", TierFullAccess); d != Deny {
		t.Fatalf("social actor requesting ordered tier must be denied, got %s", d)
	}
}
