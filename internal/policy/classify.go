package policy

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/circuit"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/redact"
)

// Classification is the outcome of the four-phase message classification
// pipeline (§4.F), distinct from Decision, which is the outcome of a tier
// check.
type Classification string

const (
	ClassAllow Classification = "ALLOW"
	ClassWarn  Classification = "WARN"
	ClassBlock Classification = "BLOCK"
)

// Fallback names what the classifier does when the LLM observer's circuit
// is open or the call times out.
type Fallback string

const (
	FallbackAllow    Fallback = "allow"
	FallbackBlock    Fallback = "block"
	FallbackEscalate Fallback = "escalate" // treated as WARN: let a human decide
)

// ClassifyResult is the fully-resolved outcome of running a message
// through every phase of the pipeline.
type ClassifyResult struct {
	Classification  Classification
	Confidence      float64
	Reason          string
	FlaggedPatterns []string
	SuggestedTier   Tier
	Warnings        []string // structural warnings, always surfaced even on ALLOW
}

// Observer calls the external LLM classifier. Implementations wrap an
// HTTP call; Classify must respect ctx's deadline.
type Observer interface {
	Classify(ctx context.Context, text string) (ObserverVerdict, error)
}

// ObserverVerdict is the parsed JSON response from the LLM observer.
type ObserverVerdict struct {
	Classification  Classification
	Confidence      float64
	Reason          string
	FlaggedPatterns []string
	SuggestedTier   Tier
}

// ClassifierConfig tunes the confidence-threshold downgrade behavior and
// circuit-breaker fallback.
type ClassifierConfig struct {
	DangerThreshold float64       // BLOCK below this confidence downgrades to WARN
	ObserverTimeout time.Duration // bounded latency budget for the LLM call
	Fallback        Fallback      // used when the circuit is open or the call fails
	InfraPatterns   []string      // pattern names treated as non-overridable (§5)
}

func (c ClassifierConfig) withDefaults() ClassifierConfig {
	if c.DangerThreshold <= 0 {
		c.DangerThreshold = 0.6
	}
	if c.ObserverTimeout <= 0 {
		c.ObserverTimeout = 4 * time.Second
	}
	if c.Fallback == "" {
		c.Fallback = FallbackEscalate
	}
	return c
}

// Classifier runs the four-phase pipeline: infra-secret check, structural
// warnings, fast-path regex, and (if still unresolved) the LLM observer
// behind a circuit breaker.
type Classifier struct {
	cfg      ClassifierConfig
	redactor *redact.Redactor
	breaker  *circuit.Breaker
	observer Observer
}

func NewClassifier(cfg ClassifierConfig, redactor *redact.Redactor, breaker *circuit.Breaker, observer Observer) *Classifier {
	return &Classifier{cfg: cfg.withDefaults(), redactor: redactor, breaker: breaker, observer: observer}
}

// InfraCheck runs phase 1 in isolation: the non-overridable infrastructure-
// secret check (§4.F.1, §4.M step 1). The Mediator calls this before the
// ban list and TOTP gate so that an infra-secret block takes effect before
// anything else in the pipeline runs, exactly as spec'd, rather than
// folding it into the later call to Classify (which re-runs the same
// check as its own phase 1 — harmless, since detection is pure, but
// InfraCheck lets the Mediator short-circuit earlier).
func (c *Classifier) InfraCheck(text string) (blocked bool, reason string, patterns []string) {
	if c.redactor == nil {
		return false, "", nil
	}
	ok, matches := c.redactor.FilterDetect(text)
	if !ok {
		return false, "", nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if redact.IsInfraPattern(m.Pattern, c.cfg.InfraPatterns) {
			names = append(names, m.Pattern)
		}
	}
	if len(names) == 0 {
		return false, "", nil
	}
	return true, "infrastructure secret detected", names
}

// Classify runs text through the full pipeline and returns a fully
// resolved decision. It never escalates past the observer: a circuit-open
// or failed call always resolves via cfg.Fallback.
func (c *Classifier) Classify(ctx context.Context, text string) ClassifyResult {
	warnings := StructuralWarnings(text)

	// Phase 1: infra-secret check, non-overridable.
	if c.redactor != nil {
		blocked, matches := c.redactor.FilterDetect(text)
		if blocked {
			names := make([]string, 0, len(matches))
			for _, m := range matches {
				if redact.IsInfraPattern(m.Pattern, c.cfg.InfraPatterns) {
					names = append(names, m.Pattern)
				}
			}
			if len(names) > 0 {
				return ClassifyResult{
					Classification:  ClassBlock,
					Confidence:      1,
					Reason:          "infrastructure secret detected",
					FlaggedPatterns: names,
					Warnings:        warnings,
				}
			}
		}
	}

	// Phase 3: fast-path regex (phase 2's structural check never blocks on
	// its own, so its warnings just ride along on whatever classification
	// phases 3/4 produce).
	if cls := FastPathClassify(text); cls != nil {
		return ClassifyResult{Classification: *cls, Confidence: 1, Warnings: warnings}
	}

	// Phase 4: LLM observer behind the circuit breaker.
	return c.classifyViaObserver(ctx, text, warnings)
}

func (c *Classifier) classifyViaObserver(ctx context.Context, text string, warnings []string) ClassifyResult {
	fallbackResult := func() ClassifyResult {
		switch c.cfg.Fallback {
		case FallbackAllow:
			return ClassifyResult{Classification: ClassAllow, Reason: "observer unavailable, fallback allow", Warnings: warnings}
		case FallbackBlock:
			return ClassifyResult{Classification: ClassBlock, Reason: "observer unavailable, fallback block", Warnings: warnings}
		default:
			return ClassifyResult{Classification: ClassWarn, Reason: "observer unavailable, escalated for review", Warnings: warnings}
		}
	}

	if c.observer == nil || c.breaker == nil {
		return fallbackResult()
	}
	if !c.breaker.Allow() {
		return fallbackResult()
	}

	octx, cancel := context.WithTimeout(ctx, c.cfg.ObserverTimeout)
	defer cancel()

	verdict, err := c.observer.Classify(octx, text)
	if err != nil {
		c.breaker.RecordFailure()
		return fallbackResult()
	}
	c.breaker.RecordSuccess()

	return applyDangerThreshold(verdict, c.cfg.DangerThreshold, warnings)
}

// applyDangerThreshold implements the confidence downgrade rule: a BLOCK
// below the threshold softens to WARN, and a WARN below half the
// threshold softens further to ALLOW.
func applyDangerThreshold(v ObserverVerdict, threshold float64, warnings []string) ClassifyResult {
	result := ClassifyResult{
		Classification:  v.Classification,
		Confidence:      v.Confidence,
		Reason:          v.Reason,
		FlaggedPatterns: v.FlaggedPatterns,
		SuggestedTier:   v.SuggestedTier,
		Warnings:        warnings,
	}
	switch v.Classification {
	case ClassBlock:
		if v.Confidence < threshold {
			result.Classification = ClassWarn
		}
	case ClassWarn:
		if v.Confidence < threshold/2 {
			result.Classification = ClassAllow
		}
	}
	return result
}
