package postsource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:        baseURL,
		BearerToken:    "token",
		Timeout:        time.Second,
		RequestsPerSec: 1000,
	}, testLogger())
}

func TestSearchRecentMapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("unexpected authorization header: %q", got)
		}
		q := r.URL.Query()
		if q.Get("query") != "($TSLA) OR (musk) -is:retweet" {
			t.Fatalf("unexpected query: %q", q.Get("query"))
		}
		if q.Get("since_id") != "100" {
			t.Fatalf("expected since_id 100, got %q", q.Get("since_id"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"id":         "101",
				"text":       "TSLA to the moon",
				"author_id":  "u1",
				"created_at": "2025-06-01T11:00:00Z",
				"public_metrics": map[string]int64{
					"like_count": 3, "retweet_count": 1, "reply_count": 2, "quote_count": 0,
				},
				"referenced_tweets": []map[string]string{{"type": "quoted", "id": "55"}},
			}},
			"includes": map[string]any{
				"users": []map[string]any{{
					"id": "u1", "username": "alice", "verified": true,
					"public_metrics": map[string]int64{"followers_count": 1200},
				}},
			},
			"meta": map[string]any{"newest_id": "101", "oldest_id": "101", "result_count": 1},
		})
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).SearchRecent(context.Background(), "($TSLA) OR (musk) -is:retweet", 25, "100")
	if err != nil {
		t.Fatalf("search should succeed: %v", err)
	}
	if len(res.Posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(res.Posts))
	}

	post := res.Posts[0]
	if post.ExternalID != "101" || post.AuthorID != "u1" {
		t.Fatalf("unexpected post mapping: %+v", post)
	}
	if !post.IsQuote || post.IsReply {
		t.Fatalf("referenced tweets not mapped: %+v", post)
	}
	if post.Author == nil || !post.Author.Verified || post.Author.Followers != 1200 {
		t.Fatalf("author expansion not mapped: %+v", post.Author)
	}
	if post.Metrics == nil || post.Metrics.Likes != 3 || post.Metrics.Reposts != 1 {
		t.Fatalf("metrics not mapped: %+v", post.Metrics)
	}
	if res.Meta.NewestID != "101" || res.Meta.ResultCount != 1 {
		t.Fatalf("meta not mapped: %+v", res.Meta)
	}
}

func TestSearchRecentRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SearchRecent(context.Background(), "q", 10, "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestSearchRecentAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"title": "Invalid Request", "detail": "bad query"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SearchRecent(context.Background(), "q", 10, "")
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected generic API error, got %v", err)
	}
}

func TestAddAndGetRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req rulesRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode add request: %v", err)
			}
			if len(req.Add) != 1 || req.Add[0].Tag != "m1" {
				t.Fatalf("unexpected add payload: %+v", req)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"id": "r1", "value": req.Add[0].Value, "tag": req.Add[0].Tag}},
			})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"id": "r1", "value": "$TSLA", "tag": "m1"}},
			})
		}
	}))
	defer srv.Close()

	client := testClient(srv.URL)

	issued, err := client.AddRules(context.Background(), []Rule{{Value: "$TSLA", Tag: "m1"}})
	if err != nil {
		t.Fatalf("add rules should succeed: %v", err)
	}
	if len(issued) != 1 || issued[0].ID != "r1" {
		t.Fatalf("expected issued rule id, got %+v", issued)
	}

	rules, err := client.GetRules(context.Background())
	if err != nil {
		t.Fatalf("get rules should succeed: %v", err)
	}
	if len(rules) != 1 || rules[0].Tag != "m1" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestDeleteRulesEmptyIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	if err := testClient(srv.URL).DeleteRules(context.Background(), nil); err != nil {
		t.Fatalf("empty delete should be a no-op: %v", err)
	}
	if called {
		t.Fatal("no request should be issued for an empty delete")
	}
}
