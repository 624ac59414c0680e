package policy

import (
	"strings"
	"unicode"
)

// maxMessageRunes is the length above which a message is flagged as
// unusually long (§4.F.2).
const maxMessageRunes = 4000

// repetitionThreshold is the fraction of words that must repeat
// consecutively before a message is flagged as excessive repetition.
const repetitionRunThreshold = 8

// StructuralWarnings runs the non-blocking structural checks on inbound
// text: zero-width characters, excessive word repetition, mixed-script
// (homoglyph) mixing, and unusually long messages. Unlike the fast-path and
// infra-secret checks, these never hard-BLOCK — they surface reasons for a
// WARN classification.
func StructuralWarnings(text string) []string {
	var warnings []string

	if containsZeroWidth(text) {
		warnings = append(warnings, "zero_width_characters")
	}
	if hasExcessiveRepetition(text) {
		warnings = append(warnings, "excessive_repetition")
	}
	if hasMixedScripts(text) {
		warnings = append(warnings, "mixed_script_homoglyph")
	}
	if len([]rune(text)) > maxMessageRunes {
		warnings = append(warnings, "unusually_long_message")
	}
	return warnings
}

var zeroWidthRunes = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\ufeff': true, // byte order mark / zero width no-break space
	'\u2060': true, // word joiner
}

func containsZeroWidth(text string) bool {
	for _, r := range text {
		if zeroWidthRunes[r] {
			return true
		}
	}
	return false
}

func hasExcessiveRepetition(text string) bool {
	words := strings.Fields(text)
	if len(words) < repetitionRunThreshold {
		return false
	}
	run := 1
	for i := 1; i < len(words); i++ {
		if strings.EqualFold(words[i], words[i-1]) {
			run++
			if run >= repetitionRunThreshold {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// hasMixedScripts flags text that mixes Latin with another alphabetic
// script in the same word — a common homoglyph-substitution technique
// (e.g. Cyrillic 'а' inside an otherwise-Latin word).
func hasMixedScripts(text string) bool {
	for _, word := range strings.Fields(text) {
		sawLatin, sawOther := false, false
		for _, r := range word {
			switch {
			case unicode.Is(unicode.Latin, r):
				sawLatin = true
			case unicode.IsLetter(r) && !unicode.Is(unicode.Common, r):
				sawOther = true
			}
		}
		if sawLatin && sawOther {
			return true
		}
	}
	return false
}
