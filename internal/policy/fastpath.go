package policy

import "regexp"

// defaultAllowPatterns are known-safe phrases and commands that resolve
// straight to ALLOW without escalating to the LLM observer.
var defaultAllowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|good morning|good night)[.!]?$`),
	regexp.MustCompile(`^\s*pwd\s*$`),
	regexp.MustCompile(`^\s*ls(\s+-\w+)*\s*$`),
	regexp.MustCompile(`^\s*git status\s*$`),
	regexp.MustCompile(`^\s*whoami\s*$`),
	regexp.MustCompile(`^\s*date\s*$`),
}

// defaultDenyPatterns are known-dangerous commands and injection phrases
// that resolve straight to BLOCK without ever reaching the LLM observer.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)disregard (your|the) (system )?prompt`),
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\s+/`),
	regexp.MustCompile(`(?i)curl\s+[^\n]*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`(?i)wget\s+[^\n]*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`(?i)\bsudo\s+`),
	regexp.MustCompile(`[;&|]\s*rm\s`),
	regexp.MustCompile("`[^`]*`"), // backtick command substitution
	regexp.MustCompile(`\$\([^)]*\)`),
}

// FastPathClassify implements §4.F.3: a known-safe phrase resolves
// straight to ALLOW, a known-dangerous phrase resolves straight to BLOCK.
// A nil return means neither list matched and the caller must escalate to
// the LLM observer.
func FastPathClassify(text string) *Classification {
	for _, p := range defaultDenyPatterns {
		if p.MatchString(text) {
			c := ClassBlock
			return &c
		}
	}
	for _, p := range defaultAllowPatterns {
		if p.MatchString(text) {
			c := ClassAllow
			return &c
		}
	}
	return nil
}
