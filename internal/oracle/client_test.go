package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRequest() Request {
	return Request{
		Market: MarketRef{
			MarketID: "m1",
			Question: "Will it happen?",
			Outcomes: []OutcomeRef{{ID: "yes", Label: "Yes"}, {ID: "no", Label: "No"}},
		},
		Posts: []PostRef{{PostID: "p1", CreatedAtMS: 1700000000000, Text: "it happened"}},
	}
}

func newTestClient(baseURL string) *Client {
	return NewClient(Options{
		Endpoint:  baseURL,
		APIKey:    "key",
		ModelName: "scorer-large",
		Timeout:   time.Second,
	}, zerolog.Nop())
}

func TestScoreBatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Fatalf("unexpected authorization: %q", got)
		}
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.RequestID == "" {
			t.Fatal("request_id should be set")
		}
		if req.Model != "scorer-large" {
			t.Fatalf("model not forwarded: %q", req.Model)
		}
		if len(req.Market.Outcomes) != 2 {
			t.Fatalf("outcomes not forwarded: %+v", req.Market)
		}

		_ = json.NewEncoder(w).Encode(Response{Results: []PostResult{{
			PostID: "p1",
			PerOutcome: map[string]Scores{
				"yes": {Relevance: 0.9, Stance: 0.8, Strength: 0.7, Credibility: 0.6, Confidence: 0.5},
			},
			DisplayLabels: DisplayLabels{Summary: "s", CredibilityLabel: "High"},
		}}})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).ScoreBatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("score batch should succeed: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].PostID != "p1" {
		t.Fatalf("unexpected response: %+v", res)
	}
	if res.Results[0].PerOutcome["yes"].Relevance != 0.9 {
		t.Fatalf("scores not decoded: %+v", res.Results[0])
	}
}

func TestScoreBatchRejectsUnknownPostID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Results: []PostResult{{
			PostID:     "stranger",
			PerOutcome: map[string]Scores{},
		}}})
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).ScoreBatch(context.Background(), testRequest()); err == nil {
		t.Fatal("unknown post_id should reject the batch")
	}
}

func TestScoreBatchRejectsMissingPerOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"post_id": "p1"}},
		})
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).ScoreBatch(context.Background(), testRequest()); err == nil {
		t.Fatal("missing per_outcome should reject the batch")
	}
}

func TestScoreBatchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).ScoreBatch(context.Background(), testRequest()); err == nil {
		t.Fatal("HTTP 502 should surface an error")
	}
}

func TestScoreBatchEmptyPostsIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	req := testRequest()
	req.Posts = nil
	if _, err := newTestClient(srv.URL).ScoreBatch(context.Background(), req); err != nil {
		t.Fatalf("empty batch should be a no-op: %v", err)
	}
	if called {
		t.Fatal("no request should be issued for an empty batch")
	}
}
