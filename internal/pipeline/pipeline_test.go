package pipeline

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsemarket/internal/ingest"
	"pulsemarket/internal/oracle"
	"pulsemarket/internal/postsource"
	"pulsemarket/internal/scoring"
	"pulsemarket/internal/storage"
)

// memStore is an in-memory implementation of the orchestrator's Store.
type memStore struct {
	markets    map[string]storage.Market
	outcomes   map[string][]storage.Outcome
	raw        []storage.RawPost
	scored     []storage.ScoredPost
	states     map[string]storage.MarketState
	snapshots  []storage.Snapshot
	postCounts map[string]int64
	nextID     int64
	countErr   error
}

func newMemStore() *memStore {
	return &memStore{
		markets:    make(map[string]storage.Market),
		outcomes:   make(map[string][]storage.Outcome),
		states:     make(map[string]storage.MarketState),
		postCounts: make(map[string]int64),
	}
}

func (m *memStore) GetMarket(ctx context.Context, marketID string) (storage.Market, error) {
	market, ok := m.markets[marketID]
	if !ok {
		return storage.Market{}, storage.ErrNotFound
	}
	return market, nil
}

func (m *memStore) ListActiveMarkets(ctx context.Context) ([]storage.Market, error) {
	var active []storage.Market
	for _, market := range m.markets {
		if market.Status == storage.MarketStatusActive {
			active = append(active, market)
		}
	}
	return active, nil
}

func (m *memStore) SetMarketPostCount(ctx context.Context, marketID string, count int64) error {
	m.postCounts[marketID] = count
	return nil
}

func (m *memStore) ListOutcomes(ctx context.Context, marketID string) ([]storage.Outcome, error) {
	return m.outcomes[marketID], nil
}

func (m *memStore) UpdateOutcomeProbability(ctx context.Context, marketID, outcomeKey string, probability float64) error {
	outcomes := m.outcomes[marketID]
	for i := range outcomes {
		if outcomes[i].Key == outcomeKey {
			outcomes[i].CurrentProbability = probability
		}
	}
	return nil
}

func (m *memStore) InsertRawPost(ctx context.Context, post storage.RawPost) (bool, error) {
	for _, existing := range m.raw {
		if existing.ExternalPostID == post.ExternalPostID && existing.MarketID == post.MarketID {
			return false, nil
		}
	}
	m.nextID++
	post.ID = m.nextID
	m.raw = append(m.raw, post)
	return true, nil
}

func (m *memStore) NewestExternalPostID(ctx context.Context, marketID string) (string, error) {
	newest := ""
	for _, post := range m.raw {
		if post.MarketID == marketID && post.ExternalPostID > newest {
			newest = post.ExternalPostID
		}
	}
	return newest, nil
}

func (m *memStore) ListRecentRawPosts(ctx context.Context, marketID string, since time.Time) ([]storage.RawPost, error) {
	var recent []storage.RawPost
	for _, post := range m.raw {
		if post.MarketID == marketID && post.PostCreatedAt.After(since) {
			recent = append(recent, post)
		}
	}
	return recent, nil
}

func (m *memStore) CountRawPosts(ctx context.Context, marketID string) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	var count int64
	for _, post := range m.raw {
		if post.MarketID == marketID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListUnscoredRawPosts(ctx context.Context, marketID string, limit int) ([]storage.RawPost, error) {
	scored := make(map[int64]bool)
	for _, row := range m.scored {
		scored[row.RawPostID] = true
	}
	var pending []storage.RawPost
	for _, post := range m.raw {
		if post.MarketID != marketID || scored[post.ID] {
			continue
		}
		pending = append(pending, post)
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (m *memStore) UpsertScoredPosts(ctx context.Context, rows []storage.ScoredPost) error {
	m.scored = append(m.scored, rows...)
	return nil
}

func (m *memStore) ListScoredByRawPostIDs(ctx context.Context, marketID string, rawPostIDs []int64) ([]storage.ScoredPost, error) {
	wanted := make(map[int64]bool, len(rawPostIDs))
	for _, id := range rawPostIDs {
		wanted[id] = true
	}
	var rows []storage.ScoredPost
	for _, row := range m.scored {
		if row.MarketID == marketID && wanted[row.RawPostID] {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (m *memStore) GetMarketState(ctx context.Context, marketID string) (storage.MarketState, error) {
	state, ok := m.states[marketID]
	if !ok {
		return storage.MarketState{}, storage.ErrNotFound
	}
	return state, nil
}

func (m *memStore) UpsertMarketState(ctx context.Context, state storage.MarketState) error {
	m.states[state.MarketID] = state
	return nil
}

func (m *memStore) AppendSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	// Same conflict behaviour as the real store: one row per (market_id, ts).
	for _, existing := range m.snapshots {
		if existing.MarketID == snapshot.MarketID && existing.Timestamp.Equal(snapshot.Timestamp) {
			return nil
		}
	}
	m.snapshots = append(m.snapshots, snapshot)
	return nil
}

func (m *memStore) ListRecentSnapshots(ctx context.Context, marketID string, limit int) ([]storage.Snapshot, error) {
	return m.snapshots, nil
}

func (m *memStore) ListSnapshotsBetween(ctx context.Context, marketID string, from, to time.Time) ([]storage.Snapshot, error) {
	return m.snapshots, nil
}

type fakePipelineSource struct {
	posts []postsource.Post
	err   error
}

func (f *fakePipelineSource) GetRules(ctx context.Context) ([]postsource.Rule, error) {
	return nil, nil
}

func (f *fakePipelineSource) AddRules(ctx context.Context, rules []postsource.Rule) ([]postsource.Rule, error) {
	return nil, nil
}

func (f *fakePipelineSource) DeleteRules(ctx context.Context, ids []string) error {
	return nil
}

func (f *fakePipelineSource) SearchRecent(ctx context.Context, query string, maxResults int, sinceID string) (postsource.SearchResult, error) {
	if f.err != nil {
		return postsource.SearchResult{}, f.err
	}
	return postsource.SearchResult{Posts: f.posts}, nil
}

// stanceScorer answers every post with a fixed stance per outcome.
type stanceScorer struct {
	stances map[string]float64
}

func (s *stanceScorer) ScoreBatch(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	results := make([]oracle.PostResult, 0, len(req.Posts))
	for _, post := range req.Posts {
		perOutcome := make(map[string]oracle.Scores, len(s.stances))
		for key, stance := range s.stances {
			perOutcome[key] = oracle.Scores{
				Relevance:   1,
				Stance:      stance,
				Strength:    0.9,
				Credibility: 0.9,
				Confidence:  0.9,
			}
		}
		results = append(results, oracle.PostResult{PostID: post.PostID, PerOutcome: perOutcome})
	}
	return oracle.Response{Results: results}, nil
}

func seedMarket(store *memStore, id string) {
	store.markets[id] = storage.Market{
		ID:              id,
		Question:        "Will the launch happen?",
		Status:          storage.MarketStatusActive,
		FilterTemplates: []string{"launch"},
	}
	store.outcomes[id] = []storage.Outcome{
		{MarketID: id, Key: "yes", Label: "Yes", SortOrder: 0},
		{MarketID: id, Key: "no", Label: "No", SortOrder: 1},
	}
}

func freshPost(id string, now time.Time) postsource.Post {
	return postsource.Post{
		ExternalID: id,
		Text:       "launch confirmed by the team",
		AuthorID:   "author-" + id,
		CreatedAt:  now.Add(-time.Minute),
		Author:     &postsource.Author{Username: "reporter", Verified: true, Followers: 100000},
		Metrics:    &postsource.Metrics{Likes: 50, Reposts: 10},
	}
}

func newTestOrchestrator(store *memStore, source postsource.Source, scorer oracle.Scorer, opts Options) *Orchestrator {
	logger := zerolog.Nop()
	ingestDispatcher := ingest.New(source, store, ingest.Options{MaxResults: 10}, logger)
	scoringDispatcher := scoring.New(scorer, store, logger)
	return New(store, ingestDispatcher, scoringDispatcher, opts, logger)
}

func TestRefreshEmptyMarketID(t *testing.T) {
	o := newTestOrchestrator(newMemStore(), &fakePipelineSource{}, &stanceScorer{}, Options{})

	result, err := o.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, StatusError, result.Status)
}

func TestRefreshUnknownMarket(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &fakePipelineSource{}, &stanceScorer{}, Options{})

	result, err := o.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusError, result.Status)
}

func TestRefreshInactiveMarket(t *testing.T) {
	store := newMemStore()
	store.markets["mkt-1"] = storage.Market{ID: "mkt-1", Status: storage.MarketStatusResolved}
	o := newTestOrchestrator(store, &fakePipelineSource{}, &stanceScorer{}, Options{})

	result, err := o.Refresh(context.Background(), "mkt-1")
	assert.ErrorIs(t, err, ErrInactive)
	assert.Equal(t, StatusError, result.Status)
}

func TestRefreshMinIntervalGuard(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	seedMarket(store, "mkt-1")
	store.states["mkt-1"] = storage.MarketState{
		MarketID:          "mkt-1",
		Probabilities:     map[string]float64{"yes": 0.5, "no": 0.5},
		UpdatedAt:         now.Add(-10 * time.Second),
		AcceptedPostCount: 3,
	}

	o := newTestOrchestrator(store, &fakePipelineSource{}, &stanceScorer{}, Options{MinRefreshInterval: 30 * time.Second})
	o.now = func() time.Time { return now }

	_, err := o.Refresh(context.Background(), "mkt-1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRefreshMinIntervalGuardIgnoresEmptyState(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	seedMarket(store, "mkt-1")
	store.states["mkt-1"] = storage.MarketState{
		MarketID:      "mkt-1",
		Probabilities: map[string]float64{"yes": 0.5, "no": 0.5},
		UpdatedAt:     now.Add(-10 * time.Second),
	}

	o := newTestOrchestrator(store, &fakePipelineSource{}, &stanceScorer{}, Options{MinRefreshInterval: 30 * time.Second})
	o.now = func() time.Time { return now }

	_, err := o.Refresh(context.Background(), "mkt-1")
	require.NoError(t, err)
}

func TestRefreshHappyPath(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	seedMarket(store, "mkt-1")

	source := &fakePipelineSource{posts: []postsource.Post{freshPost("p1", now)}}
	scorer := &stanceScorer{stances: map[string]float64{"yes": 0.9, "no": -0.9}}
	o := newTestOrchestrator(store, source, scorer, Options{ScoreBatch: 8})

	result, err := o.Refresh(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 1, result.TweetsFetched)
	assert.Equal(t, 1, result.TweetsIngested)
	assert.Equal(t, 1, result.PostsScored)

	require.Len(t, result.Probabilities, 2)
	sum := result.Probabilities["yes"] + result.Probabilities["no"]
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, result.Probabilities["yes"], result.Probabilities["no"])

	state, err := store.GetMarketState(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.AcceptedPostCount)
	require.Len(t, store.snapshots, 1)
	assert.Equal(t, result.Probabilities["yes"], store.snapshots[0].Probabilities["yes"])
	assert.Equal(t, int64(1), store.postCounts["mkt-1"])

	for _, outcome := range store.outcomes["mkt-1"] {
		assert.Equal(t, result.Probabilities[outcome.Key], outcome.CurrentProbability)
	}
}

func TestRefreshIngestFailureStillComputes(t *testing.T) {
	store := newMemStore()
	seedMarket(store, "mkt-1")

	source := &fakePipelineSource{err: errors.New("upstream 500")}
	o := newTestOrchestrator(store, source, &stanceScorer{stances: map[string]float64{}}, Options{})

	result, err := o.Refresh(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "ingest:")

	// No evidence: the engine falls back to the uniform baseline and the
	// state is still persisted.
	require.Len(t, result.Probabilities, 2)
	assert.InDelta(t, 0.5, result.Probabilities["yes"], 1e-9)
	require.Len(t, store.snapshots, 1)
}

func TestRefreshRateLimitedIngestIsPartial(t *testing.T) {
	store := newMemStore()
	seedMarket(store, "mkt-1")

	source := &fakePipelineSource{err: postsource.ErrRateLimited}
	o := newTestOrchestrator(store, source, &stanceScorer{stances: map[string]float64{}}, Options{})

	result, err := o.Refresh(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, result.Status)
	assert.True(t, sawRateLimit(result))
}

func TestRefreshIdempotentAcrossTicks(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	seedMarket(store, "mkt-1")

	source := &fakePipelineSource{posts: []postsource.Post{freshPost("p1", now)}}
	scorer := &stanceScorer{stances: map[string]float64{"yes": 0.9, "no": -0.9}}
	o := newTestOrchestrator(store, source, scorer, Options{ScoreBatch: 8})

	first, err := o.Refresh(context.Background(), "mkt-1")
	require.NoError(t, err)
	second, err := o.Refresh(context.Background(), "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, 1, first.TweetsIngested)
	assert.Zero(t, second.TweetsIngested)
	assert.Zero(t, second.PostsScored)
	assert.Equal(t, int64(1), store.postCounts["mkt-1"])
	assert.Len(t, store.scored, 2) // one row per outcome, written once
}

func TestRefreshPostCountFailureIsPartial(t *testing.T) {
	store := newMemStore()
	seedMarket(store, "mkt-1")
	store.countErr = errors.New("connection reset")

	o := newTestOrchestrator(store, &fakePipelineSource{}, &stanceScorer{stances: map[string]float64{}}, Options{})

	result, err := o.Refresh(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "post_count:")
}

func TestSnapshotTimestampsStrictlyIncrease(t *testing.T) {
	base := time.Now().UTC()
	store := newMemStore()
	seedMarket(store, "mkt-1")

	source := &fakePipelineSource{posts: []postsource.Post{freshPost("p1", base)}}
	scorer := &stanceScorer{stances: map[string]float64{"yes": 0.5, "no": -0.5}}
	o := newTestOrchestrator(store, source, scorer, Options{ScoreBatch: 8})

	current := base
	o.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		_, err := o.Refresh(context.Background(), "mkt-1")
		require.NoError(t, err)
		current = current.Add(time.Minute)
	}

	require.Len(t, store.snapshots, 3)
	for i := 1; i < len(store.snapshots); i++ {
		assert.True(t, store.snapshots[i].Timestamp.After(store.snapshots[i-1].Timestamp),
			"snapshot %d not after snapshot %d", i, i-1)
	}

	// A tick replayed at an already-recorded timestamp writes nothing new.
	current = store.snapshots[2].Timestamp
	_, err := o.Refresh(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Len(t, store.snapshots, 3)
}

func TestRefreshAllIteratesActiveMarkets(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	for i := 1; i <= 3; i++ {
		seedMarket(store, "mkt-"+strconv.Itoa(i))
	}
	store.markets["mkt-3"] = storage.Market{ID: "mkt-3", Status: storage.MarketStatusClosed}

	source := &fakePipelineSource{posts: []postsource.Post{freshPost("p1", now)}}
	scorer := &stanceScorer{stances: map[string]float64{"yes": 0.5, "no": -0.5}}
	o := newTestOrchestrator(store, source, scorer, Options{ScoreBatch: 8})

	results, err := o.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, result := range results {
		assert.Equal(t, StatusSuccess, result.Status)
	}
}
