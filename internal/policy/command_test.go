package policy

import "testing"

func TestContainsBlockedCommand(t *testing.T) {
	cases := []struct {
		name    string
		command string
		blocked bool
	}{
		{"plain basename blocked", "rm foo.txt", true},
		{"path-qualified basename blocked", "/bin/rm foo.txt", true},
		{"kill variant blocked", "killall agent", true},
		{"sudo blocked", "sudo apt install x", true},
		{"piped basename blocked", "ls | rm", true},
		{"command substitution blocked", "echo $(rm -rf /tmp)", true},
		{"backtick substitution blocked", "echo `whoami`", true},
		{"interpreter escape blocked", "python3 -c 'import os'", true},
		{"crontab blocked", "crontab -l", true},
		{"find delete blocked", "find . -name '*.tmp' -delete", true},
		{"safe command allowed", "git status", false},
		{"safe ls allowed", "ls -la", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, blocked := ContainsBlockedCommand(c.command)
			if blocked != c.blocked {
				t.Errorf("ContainsBlockedCommand(%q) blocked=%v, want %v", c.command, blocked, c.blocked)
			}
		})
	}
}
