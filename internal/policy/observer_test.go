package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPObserverClassify(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req observerRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "hello" {
			t.Fatalf("expected text %q, got %q", "hello", req.Text)
		}
		json.NewEncoder(w).Encode(observerResponse{
			Classification: ClassWarn,
			Confidence:     0.7,
			Reason:         "ambiguous intent",
		})
	}))
	defer ts.Close()

	o := NewHTTPObserver(ts.URL, "test-key", nil)
	verdict, err := o.Classify(context.Background(), "hello")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if verdict.Classification != ClassWarn || verdict.Confidence != 0.7 {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestHTTPObserverNonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	o := NewHTTPObserver(ts.URL, "", nil)
	if _, err := o.Classify(context.Background(), "hello"); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
