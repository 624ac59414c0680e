package policy

import (
	"os"
	"path/filepath"
	"strings"
)

// sensitiveBasenames are file basenames denied regardless of tier or scope
// (§4.F: ".env*", "id_rsa", "credentials.json", ".npmrc", ".pem", ".key",
// …). Suffix entries are matched with strings.HasSuffix, the rest exactly.
var sensitiveBasenames = []string{
	".env", ".env.local", ".env.production",
	"id_rsa", "id_ed25519", "id_ecdsa",
	"credentials.json", ".npmrc", ".pypirc", ".netrc",
	".pem", ".key",
}

// sensitiveRoots are home-relative directories that are sensitive no
// matter what file within them is named.
var sensitiveRoots = []string{
	".ssh", ".aws", ".telclaude", ".claude",
}

// IsSensitivePath implements §4.F's isSensitivePath: for a bare path it
// checks the basename and any sensitive-root ancestor directly; for a
// command string it tokenizes into shell words, expands ~ and $HOME, and
// tests each path-like token the same way. Fails closed: an unresolvable
// expansion is still checked against the raw token.
func IsSensitivePath(pathOrCommand string) bool {
	for _, token := range tokenizeShellWords(pathOrCommand) {
		if isSensitiveToken(token) {
			return true
		}
	}
	return false
}

func isSensitiveToken(token string) bool {
	expanded := expandHome(token)
	base := filepath.Base(expanded)
	for _, name := range sensitiveBasenames {
		if strings.HasPrefix(name, ".") && strings.Contains(name, "*") {
			continue
		}
		if base == name {
			return true
		}
	}
	if strings.HasPrefix(base, ".env") {
		return true
	}
	if strings.HasSuffix(base, ".pem") || strings.HasSuffix(base, ".key") {
		return true
	}

	parts := strings.Split(filepath.ToSlash(expanded), "/")
	for _, part := range parts {
		for _, root := range sensitiveRoots {
			if part == root {
				return true
			}
		}
		if strings.HasPrefix(part, ".claude") && (part == ".claude" || strings.HasPrefix(part, ".claude/settings") || strings.Contains(token, ".claude/settings")) {
			return true
		}
	}
	if strings.Contains(expanded, "/.claude/settings") {
		return true
	}
	return false
}

func expandHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home == "" {
		home = "/root"
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	if strings.Contains(path, "$HOME") {
		path = strings.ReplaceAll(path, "$HOME", home)
	}
	return path
}

// tokenizeShellWords splits a command or bare path into whitespace and
// shell-operator separated words, stripping quote characters, so each
// resulting token can be tested as a candidate path.
func tokenizeShellWords(s string) []string {
	replacer := strings.NewReplacer("|", " ", "&", " ", ";", " ", "(", " ", ")", " ", "<", " ", ">", " ")
	s = replacer.Replace(s)
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `'"`)
		if f == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}
