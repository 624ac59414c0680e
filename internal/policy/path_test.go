package policy

import "testing"

func TestIsSensitivePath(t *testing.T) {
	cases := []struct {
		name      string
		candidate string
		sensitive bool
	}{
		{"dotenv file", ".env", true},
		{"dotenv variant", "config/.env.production", true},
		{"ssh key", "id_rsa", true},
		{"pem suffix", "/tmp/server.pem", true},
		{"key suffix", "secrets/app.key", true},
		{"credentials json", "credentials.json", true},
		{"npmrc", ".npmrc", true},
		{"ssh root in command", "cat ~/.ssh/id_rsa", true},
		{"aws root", "cat $HOME/.aws/credentials", true},
		{"claude settings", "cat ~/.claude/settings.json", true},
		{"ordinary path", "notes.txt", false},
		{"ordinary command", "git status", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsSensitivePath(c.candidate); got != c.sensitive {
				t.Errorf("IsSensitivePath(%q) = %v, want %v", c.candidate, got, c.sensitive)
			}
		})
	}
}
