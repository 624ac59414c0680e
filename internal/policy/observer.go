package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPObserver implements Observer by calling out to an LLM classification
// endpoint, the way the teacher's provider clients (internal/providers)
// call out to a chat completion endpoint: a bare *http.Client, a bearer
// key, and one JSON request/response shape, with the context's deadline as
// the only timeout source.
type HTTPObserver struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewHTTPObserver(baseURL, apiKey string, client *http.Client) *HTTPObserver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPObserver{client: client, baseURL: baseURL, apiKey: apiKey}
}

type observerRequest struct {
	Text string `json:"text"`
}

type observerResponse struct {
	Classification  Classification `json:"classification"`
	Confidence      float64        `json:"confidence"`
	Reason          string         `json:"reason"`
	FlaggedPatterns []string       `json:"flagged_patterns,omitempty"`
	SuggestedTier   Tier           `json:"suggested_tier,omitempty"`
}

// Classify posts text to the observer endpoint and parses its verdict.
// Any transport or decode failure is returned as an error so the caller's
// circuit breaker records it as a failure — this client never itself
// guesses a fallback classification.
func (o *HTTPObserver) Classify(ctx context.Context, text string) (ObserverVerdict, error) {
	body, err := json.Marshal(observerRequest{Text: text})
	if err != nil {
		return ObserverVerdict{}, fmt.Errorf("observer: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(body))
	if err != nil {
		return ObserverVerdict{}, fmt.Errorf("observer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return ObserverVerdict{}, fmt.Errorf("observer: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return ObserverVerdict{}, fmt.Errorf("observer: unexpected status %d", resp.StatusCode)
	}

	var parsed observerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ObserverVerdict{}, fmt.Errorf("observer: decode response: %w", err)
	}

	return ObserverVerdict{
		Classification:  parsed.Classification,
		Confidence:      parsed.Confidence,
		Reason:          parsed.Reason,
		FlaggedPatterns: parsed.FlaggedPatterns,
		SuggestedTier:   parsed.SuggestedTier,
	}, nil
}
