package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// blockedBasenames lists the command basenames denied for WRITE_LOCAL
// regardless of arguments (§4.F): destructive filesystem ops, permission
// and ownership changes, process/privilege control, and raw disk access.
var blockedBasenames = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"mv":       true,
	"chmod":    true,
	"chown":    true,
	"kill":     true,
	"killall":  true,
	"pkill":    true,
	"sudo":     true,
	"su":       true,
	"shutdown": true,
	"reboot":   true,
	"poweroff": true,
	"dd":       true,
	"mkfs":     true,
	"fdisk":    true,
}

// shellMetaSplit is the regex used to tokenize a command on shell
// metacharacters (§4.F: "tokenize the command on shell meta-characters")
// ahead of the basename check: pipes, sequencing, substitution boundaries,
// and redirection all start a new command word.
var shellMetaSplit = regexp.MustCompile(`[|&;()<>\x60]+|\$\(|\n`)

// secondBatteryPatterns catches the forms basename-tokenization alone would
// miss: command substitution, piping to an interpreter, language-escape
// shells, scheduling commands, raw sockets, and find's -delete action.
var secondBatteryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\b(python3?|perl|ruby|node|php)\s+-[ce]\b`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\bat\s+now\b`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b`),
	regexp.MustCompile(`\bfind\b.*-delete\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

// ContainsBlockedCommand implements §4.F's containsBlockedCommand for the
// WRITE_LOCAL tier: tokenize on shell meta-characters, deny any token whose
// basename is in the blocked set, then run a second regex battery for
// substitution/piping/interpreter-escape/scheduling/netcat/find-delete
// forms that survive basename tokenization. Returns ("", false) when the
// command is not blocked.
func ContainsBlockedCommand(cmd string) (reason string, blocked bool) {
	for _, word := range shellMetaSplit.Split(cmd, -1) {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		fields := strings.Fields(word)
		if len(fields) == 0 {
			continue
		}
		base := baseCommandName(fields[0])
		if blockedBasenames[base] || strings.HasPrefix(base, "kill") {
			return fmt.Sprintf("command basename %q is blocked for this tier", base), true
		}
	}
	for _, pattern := range secondBatteryPatterns {
		if pattern.MatchString(cmd) {
			return "command matches blocked pattern " + pattern.String(), true
		}
	}
	return "", false
}

func baseCommandName(token string) string {
	token = strings.TrimSpace(token)
	if i := strings.LastIndexByte(token, '/'); i >= 0 {
		token = token[i+1:]
	}
	return token
}
