// Package engine implements the evidence-softmax-v1 probability update. The
// computation is a pure function of its inputs: it never reads a clock, never
// touches storage, and produces bitwise-identical output for identical input.
package engine

import (
	"math"
	"time"
)

// Algorithm identifies the update rule implemented by Compute.
const Algorithm = "evidence-softmax-v1"

const (
	gracePeriod = 300 * time.Second
	halfLife    = 6 * time.Hour
	maxPostAge  = 72 * time.Hour

	// Window for counting an author's recent posts when diluting repeats.
	authorWindow = 24 * time.Hour

	gamma       = 1.15 // superlinear semantic exponent
	stanceK     = 1.6  // tanh squashing of stance
	wMin        = 0.018
	muFollowers = 8.0
	sigFollower = 1.5
	muEngage    = 2.0
	sigEngage   = 1.5
	verifiedMul = 1.2
	baseTemp    = 1.0
	tempAlpha   = 0.6
	inertiaTau  = 0.65
	eps         = 1e-12

	minPrior = 1e-6
)

// Outcome declares one possible result of a market.
type Outcome struct {
	Key   string
	Label string
	// Prior is the externally supplied prior probability; nil means the
	// engine falls back to uniform 1/K.
	Prior *float64
}

// Scores holds the oracle's judgment of one post against one outcome. Values
// outside their declared ranges are clamped at engine entry.
type Scores struct {
	Relevance   float64 // [0,1]
	Stance      float64 // [-1,1]
	Strength    float64 // [0,1]
	Credibility float64 // [0,1]
	Confidence  float64 // [0,1]
}

// Metrics carries post engagement counts; absent metrics default to zero.
type Metrics struct {
	Likes   int64
	Reposts int64
	Replies int64
	Quotes  int64
}

// Features carries the spam-signal features computed at ingest.
type Features struct {
	CashtagCount int
	MentionCount int
	URLCount     int
	CapsRatio    float64
}

// Post is one fully scored post entering the computation.
type Post struct {
	ID              string
	AuthorID        string
	CreatedAt       time.Time
	AuthorFollowers int64
	AuthorVerified  bool
	Metrics         Metrics
	Features        Features
	// Scores maps outcome key to the oracle's judgment. A missing key means
	// zero relevance and zero stance for that outcome.
	Scores map[string]Scores
}

// Input bundles everything Compute needs.
type Input struct {
	MarketID string
	Now      time.Time
	Outcomes []Outcome
	// Previous maps outcome key to the last computed probability. Missing
	// keys (or a nil map) fall back to the outcome's prior.
	Previous map[string]float64
	Posts    []Post
}

// Diagnostics exposes the intermediate quantities a caller may want to log.
type Diagnostics struct {
	AcceptedPosts int     `json:"accepted_posts"`
	WBatch        float64 `json:"w_batch"`
	Beta          float64 `json:"beta"`
	Temperature   float64 `json:"temperature"`
	Floor         float64 `json:"floor"`
}

// Result is the outcome of one engine invocation.
type Result struct {
	Probabilities map[string]float64
	Algorithm     string
	Diagnostics   Diagnostics
}

// Compute maps (prior probabilities, scored posts, now) to a new probability
// vector. The output always sums to 1 within 1e-9, every probability sits at
// or above the floor, and no value is NaN.
func Compute(in Input) Result {
	k := len(in.Outcomes)
	if k == 0 {
		return Result{
			Probabilities: map[string]float64{},
			Algorithm:     Algorithm,
			Diagnostics:   Diagnostics{Temperature: baseTemp},
		}
	}

	prev := previousVector(in.Outcomes, in.Previous)

	authorCounts := countRecentByAuthor(in.Posts, in.Now)

	deltaE := make([]float64, k)
	var wBatch float64
	var accepted int

	for _, post := range in.Posts {
		contrib, ok := evaluatePost(post, in.Outcomes, in.Now, authorCounts[post.AuthorID])
		if !ok {
			continue
		}
		accepted++
		wBatch += contrib.weight
		for i := range deltaE {
			deltaE[i] += contrib.delta[i]
		}
	}

	// Logit update: center previous logits, add accumulated evidence.
	logits := make([]float64, k)
	var mean float64
	for i := range prev {
		logits[i] = math.Log(prev[i] + eps)
		mean += logits[i]
	}
	mean /= float64(k)
	for i := range logits {
		logits[i] = logits[i] - mean + deltaE[i]
	}

	temperature := baseTemp * (1 + tempAlpha/math.Sqrt(1+wBatch))
	inst := softmax(logits, temperature)

	beta := 1 - math.Exp(-wBatch/inertiaTau)
	mixed := make([]float64, k)
	for i := range mixed {
		mixed[i] = (1-beta)*prev[i] + beta*inst[i]
	}

	floor := math.Max(0.001, 0.01/float64(k))
	applyFloor(mixed, floor)

	probs := make(map[string]float64, k)
	for i, outcome := range in.Outcomes {
		probs[outcome.Key] = mixed[i]
	}

	return Result{
		Probabilities: probs,
		Algorithm:     Algorithm,
		Diagnostics: Diagnostics{
			AcceptedPosts: accepted,
			WBatch:        wBatch,
			Beta:          beta,
			Temperature:   temperature,
			Floor:         floor,
		},
	}
}

// previousVector builds the normalized starting distribution: previous
// probabilities where present, the outcome's prior otherwise, uniform as the
// last resort.
func previousVector(outcomes []Outcome, previous map[string]float64) []float64 {
	k := len(outcomes)
	uniform := 1.0 / float64(k)

	priors := make([]float64, k)
	for i, outcome := range outcomes {
		if outcome.Prior != nil {
			priors[i] = clamp(*outcome.Prior, minPrior, 1)
		} else {
			priors[i] = uniform
		}
	}
	normalize(priors)

	prev := make([]float64, k)
	for i, outcome := range outcomes {
		if p, ok := previous[outcome.Key]; ok {
			prev[i] = clamp(p, minPrior, 1)
		} else {
			prev[i] = priors[i]
		}
	}
	normalize(prev)
	return prev
}

func countRecentByAuthor(posts []Post, now time.Time) map[string]int {
	counts := make(map[string]int)
	for _, post := range posts {
		if post.AuthorID == "" {
			continue
		}
		if now.Sub(post.CreatedAt) <= authorWindow {
			counts[post.AuthorID]++
		}
	}
	return counts
}

type contribution struct {
	weight float64
	delta  []float64
}

// evaluatePost applies decay, engagement, dilution, and spam factors, then
// runs the acceptance gate. It returns false when the post is dropped.
func evaluatePost(post Post, outcomes []Outcome, now time.Time, authorCount int) (contribution, bool) {
	ageSeconds := math.Max(0, now.Sub(post.CreatedAt).Seconds())
	if ageSeconds > maxPostAge.Seconds() {
		return contribution{}, false
	}

	inGrace := ageSeconds <= gracePeriod.Seconds()
	decay := 1.0
	if !inGrace {
		decay = math.Exp(-math.Ln2 * (ageSeconds - gracePeriod.Seconds()) / halfLife.Seconds())
	}

	engagement := math.Log1p(float64(post.Metrics.Likes) +
		2*float64(post.Metrics.Reposts) +
		1.5*float64(post.Metrics.Replies) +
		2.5*float64(post.Metrics.Quotes))

	f := logistic((math.Log1p(float64(post.AuthorFollowers)) - muFollowers) / sigFollower)
	e := logistic((engagement - muEngage) / sigEngage)
	m := (0.75 + 0.25*f) * (0.85 + 0.15*e)
	if post.AuthorVerified {
		m *= verifiedMul
	}

	dilution := math.Max(0.35, 1/math.Sqrt(1+0.75*math.Max(0, float64(authorCount-1))))
	spam := spamFactor(post.Features)

	k := len(outcomes)
	var zPost, maxRelevance, maxCredibility float64
	clamped := make([]Scores, k)
	for i, outcome := range outcomes {
		s := clampScores(post.Scores[outcome.Key])
		clamped[i] = s

		sem := s.Relevance * s.Strength * s.Credibility
		if v := sem * math.Abs(s.Stance); v > zPost {
			zPost = v
		}
		if s.Relevance > maxRelevance {
			maxRelevance = s.Relevance
		}
		if s.Credibility > maxCredibility {
			maxCredibility = s.Credibility
		}
	}

	weight := math.Pow(zPost, gamma) * m * dilution * decay * spam

	if inGrace {
		if maxRelevance < 0.1 || zPost < 0.025 {
			return contribution{}, false
		}
	} else {
		if maxRelevance < 0.2 || maxCredibility < 0.15 || weight < wMin {
			return contribution{}, false
		}
	}

	sqrtK := math.Sqrt(float64(k))
	delta := make([]float64, k)
	for i := range outcomes {
		s := clamped[i]
		base := s.Relevance * s.Strength * (s.Credibility * s.Confidence)
		delta[i] = math.Tanh(stanceK*s.Stance) * math.Pow(base, gamma) * m * dilution * decay * spam / sqrtK
	}

	return contribution{weight: weight, delta: delta}, true
}

func spamFactor(f Features) float64 {
	cashtags := 1.0
	switch {
	case f.CashtagCount >= 6:
		cashtags = 0.55
	case f.CashtagCount >= 4:
		cashtags = 0.75
	}
	urls := 1.0
	if f.URLCount >= 2 {
		urls = 0.85
	}
	caps := 1.0
	if f.CapsRatio > 0.6 {
		caps = 0.9
	}
	return cashtags * urls * caps
}

func clampScores(s Scores) Scores {
	return Scores{
		Relevance:   clamp(s.Relevance, 0, 1),
		Stance:      clamp(s.Stance, -1, 1),
		Strength:    clamp(s.Strength, 0, 1),
		Credibility: clamp(s.Credibility, 0, 1),
		Confidence:  clamp(s.Confidence, 0, 1),
	}
}

// softmax computes softmax(logits/temperature) with max subtraction for
// numerical stability.
func softmax(logits []float64, temperature float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}

	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp((l - maxLogit) / temperature)
		sum += out[i]
	}
	// sum >= 1 because the max term contributes exp(0).
	for i := range out {
		out[i] /= sum
	}
	return out
}

// applyFloor raises every entry to at least floor and renormalizes the
// remaining mass over the unfloored entries, so the vector sums to 1 without
// pushing any floored entry back below the floor. The loop settles in at most
// len(v) passes because the floored set only grows.
func applyFloor(v []float64, floor float64) {
	n := len(v)
	if floor*float64(n) >= 1 {
		uniform := 1.0 / float64(n)
		for i := range v {
			v[i] = uniform
		}
		return
	}

	floored := make([]bool, n)
	for {
		var flooredMass, freeMass float64
		for i := range v {
			if floored[i] || v[i] <= floor {
				floored[i] = true
				flooredMass += floor
			} else {
				freeMass += v[i]
			}
		}
		if freeMass <= 0 {
			break
		}
		scale := (1 - flooredMass) / freeMass
		changed := false
		for i := range v {
			if floored[i] {
				v[i] = floor
				continue
			}
			v[i] *= scale
			if v[i] <= floor {
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func normalize(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x
	}
	if sum <= 0 {
		uniform := 1.0 / float64(len(v))
		for i := range v {
			v[i] = uniform
		}
		return
	}
	for i := range v {
		v[i] /= sum
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
