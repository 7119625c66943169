// Package aireview queries independent model adjudicators and folds
// their votes into one verdict. A disabled policy auto-passes; an
// enabled policy with no models configured fails safe to review.
package aireview

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/neurorouter"
	"github.com/qfgate/qfgate/internal/evidence"
	"github.com/qfgate/qfgate/internal/policy"
)

// Verdicts an adjudicator may return.
const (
	VerdictPass        = "PASS"
	VerdictFail        = "FAIL"
	VerdictNeedsReview = "NEEDS_REVIEW"
)

// Vote is one model's judgment.
type Vote struct {
	Verdict    string
	Confidence float64
	Reasoning  string
}

// Adjudicator judges run content under one model configuration.
type Adjudicator interface {
	Judge(ctx context.Context, model policy.ModelConfig, content, runContext string) (Vote, error)
}

// Aggregator fans a review out to every configured model and combines
// the votes under the policy's strategy.
type Aggregator struct {
	cfg policy.AIReviewPolicy
	adj Adjudicator
}

func NewAggregator(cfg policy.AIReviewPolicy, adj Adjudicator) *Aggregator {
	return &Aggregator{cfg: cfg, adj: adj}
}

// Review produces the aggregated verdict for the given content. The
// result always carries a content hash and the total wall time.
func (a *Aggregator) Review(ctx context.Context, content, runContext string) *evidence.AIReviewResult {
	start := time.Now()
	res := &evidence.AIReviewResult{
		ContentHash: hashContent(content),
	}

	if !a.cfg.Enabled {
		// Explicit opt-out is trusted.
		res.Verdict = VerdictPass
		res.Confidence = 1.0
		res.Reasoning = "ai review disabled by policy"
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}
	if len(a.cfg.Models) == 0 {
		// Misconfiguration is not.
		res.Verdict = VerdictNeedsReview
		res.Confidence = 0
		res.Reasoning = "ai review enabled but no models configured"
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}

	votes := a.collect(ctx, content, runContext)
	res.Votes = votes

	usable := make([]scoredVote, 0, len(votes))
	for i, v := range votes {
		if v.Error == "" {
			usable = append(usable, scoredVote{vote: v, weight: a.cfg.Models[i].Weight, order: i})
		}
	}
	if len(usable) == 0 {
		res.Verdict = VerdictNeedsReview
		res.Confidence = 0
		res.Reasoning = "all model queries failed"
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}

	switch a.cfg.Strategy {
	case policy.StrategyWeighted:
		res.Verdict, res.Confidence, res.Reasoning = weightedEnsemble(usable, a.cfg.PassThreshold)
	case policy.StrategyCascade:
		res.Verdict, res.Confidence, res.Reasoning = cascade(usable, a.cfg.PassThreshold)
	default:
		res.Verdict, res.Confidence, res.Reasoning = majorityVote(usable)
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res
}

// rateLimitBackoff is how long a throttled model query waits before
// its single retry. Overridden in tests.
var rateLimitBackoff = 2 * time.Second

// collect queries every model concurrently. Votes come back in the
// configured model order regardless of completion order.
func (a *Aggregator) collect(ctx context.Context, content, runContext string) []evidence.ModelVote {
	votes := make([]evidence.ModelVote, len(a.cfg.Models))
	var wg sync.WaitGroup
	for i, m := range a.cfg.Models {
		wg.Add(1)
		go func(i int, m policy.ModelConfig) {
			defer wg.Done()
			votes[i].Model = m.Name
			v, err := a.judge(ctx, m, content, runContext)
			if err != nil {
				votes[i].Error = err.Error()
				votes[i].Verdict = VerdictNeedsReview
				return
			}
			votes[i].Verdict = v.Verdict
			votes[i].Confidence = v.Confidence
		}(i, m)
	}
	wg.Wait()
	return votes
}

// judge queries one model, deferring and retrying once when the
// provider throttles. Any other error surfaces immediately.
func (a *Aggregator) judge(ctx context.Context, m policy.ModelConfig, content, runContext string) (Vote, error) {
	v, err := a.adj.Judge(ctx, m, content, runContext)
	if !errors.Is(err, neurorouter.ErrRateLimited) {
		return v, err
	}
	select {
	case <-ctx.Done():
		return Vote{}, ctx.Err()
	case <-time.After(rateLimitBackoff):
	}
	return a.adj.Judge(ctx, m, content, runContext)
}

type scoredVote struct {
	vote   evidence.ModelVote
	weight float64
	order  int
}

// majorityVote picks the most frequent verdict; ties break toward the
// verdict seen earliest in configured model order. Confidence is the
// mean confidence of the agreeing votes.
func majorityVote(votes []scoredVote) (string, float64, string) {
	counts := map[string]int{}
	first := map[string]int{}
	for _, sv := range votes {
		if _, ok := first[sv.vote.Verdict]; !ok {
			first[sv.vote.Verdict] = sv.order
		}
		counts[sv.vote.Verdict]++
	}

	winner := ""
	for verdict, n := range counts {
		if winner == "" || n > counts[winner] ||
			(n == counts[winner] && first[verdict] < first[winner]) {
			winner = verdict
		}
	}

	var sum float64
	n := 0
	for _, sv := range votes {
		if sv.vote.Verdict == winner {
			sum += sv.vote.Confidence
			n++
		}
	}
	conf := sum / float64(n)
	return winner, conf, fmt.Sprintf("majority verdict across %d models", len(votes))
}

// weightedEnsemble maps verdicts onto [0,1], averages weighted by
// model weight and vote confidence, and thresholds the mean.
func weightedEnsemble(votes []scoredVote, passThreshold float64) (string, float64, string) {
	var num, den float64
	for _, sv := range votes {
		w := sv.weight
		if w <= 0 {
			w = 1
		}
		w *= sv.vote.Confidence
		num += w * verdictScore(sv.vote.Verdict)
		den += w
	}
	if den == 0 {
		return VerdictNeedsReview, 0, "no weighted signal from models"
	}
	score := num / den
	switch {
	case score > passThreshold:
		return VerdictPass, score, "weighted ensemble above pass threshold"
	case score < 1-passThreshold:
		return VerdictFail, 1 - score, "weighted ensemble below fail threshold"
	default:
		return VerdictNeedsReview, score, "weighted ensemble in review band"
	}
}

// cascade consults votes in descending confidence order; the first
// one confident enough decides.
func cascade(votes []scoredVote, passThreshold float64) (string, float64, string) {
	ordered := make([]scoredVote, len(votes))
	copy(ordered, votes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].vote.Confidence > ordered[j].vote.Confidence
	})
	for _, sv := range ordered {
		if sv.vote.Confidence >= passThreshold {
			return sv.vote.Verdict, sv.vote.Confidence,
				"decided by " + sv.vote.Model + " in cascade"
		}
	}
	return VerdictNeedsReview, 0, "no model met the cascade confidence threshold"
}

func verdictScore(verdict string) float64 {
	switch verdict {
	case VerdictPass:
		return 1
	case VerdictFail:
		return 0
	default:
		return 0.5
	}
}

func hashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(h[:])
}
