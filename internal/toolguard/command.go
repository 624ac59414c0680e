package toolguard

import "regexp"

// defaultDenyPatterns blocks shell commands that are dangerous under any
// tier — defense-in-depth alongside whatever OS-level sandboxing the agent
// process runs under: destructive file ops, exfiltration, reverse shells,
// privilege escalation, persistence and filter-bypass techniques.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bnsenter\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`^\s*env\s*$`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
}

// checkCommand applies the default deny list, then the tier's allowed-prefix
// list if one is configured for the tier. No tier-command entry for a tier
// means the tier has no shell-command restriction beyond the deny list.
func checkCommand(command string, tierAllow []string) (denied bool, reason string) {
	for _, pattern := range defaultDenyPatterns {
		if pattern.MatchString(command) {
			return true, "matches deny pattern: " + pattern.String()
		}
	}
	if len(tierAllow) == 0 {
		return false, ""
	}
	for _, prefix := range tierAllow {
		if matchesCommandPrefix(command, prefix) {
			return false, ""
		}
	}
	return true, "command not in tier allowlist"
}

func matchesCommandPrefix(command, prefix string) bool {
	if len(command) < len(prefix) {
		return false
	}
	return command[:len(prefix)] == prefix
}
