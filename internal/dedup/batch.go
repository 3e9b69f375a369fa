package dedup

import (
	"context"

	"github.com/fatihaydin9/logsozluk-sub000/internal/similarity"
)

// Candidate is one freshly ingested title awaiting admission.
type Candidate struct {
	ID       string
	Title    string
	Category string
}

type Rejection struct {
	Candidate Candidate
	Decision  Decision
}

type BatchResult struct {
	Accepted []Candidate
	Rejected []Rejection
	// Similar lists accepted candidates whose best match cleared the
	// warning threshold.
	Similar []Rejection
}

// FilterBatch checks every candidate against persisted state, then against
// the candidates already accepted from the same batch. Batches are small,
// so the in-batch comparison is a plain pairwise scan.
func (c *Checker) FilterBatch(ctx context.Context, candidates []Candidate) (BatchResult, error) {
	var res BatchResult
	type accepted struct {
		cand Candidate
		hash string
		kw   similarity.TokenSet
	}
	var kept []accepted
	th := c.Thresholds()

	for _, cand := range candidates {
		d, err := c.Check(ctx, cand.Title, cand.Category)
		if err != nil {
			return BatchResult{}, err
		}
		if d.Duplicate {
			res.Rejected = append(res.Rejected, Rejection{Candidate: cand, Decision: d})
			continue
		}

		kw := similarity.Keywords(cand.Title)
		var best accepted
		bestScore := 0.0
		for _, k := range kept {
			score := 1.0
			if k.hash != d.Hash {
				score = similarity.Jaccard(kw, k.kw)
			}
			if score > bestScore {
				best, bestScore = k, score
			}
		}
		if bestScore >= th.Duplicate {
			bd := Decision{
				Duplicate:  true,
				Tier:       TierBatch,
				Match:      best.cand.Title,
				Similarity: bestScore,
				Hash:       d.Hash,
				Slug:       d.Slug,
			}
			c.rejected(ctx, cand.Title, cand.Category, bd)
			res.Rejected = append(res.Rejected, Rejection{Candidate: cand, Decision: bd})
			continue
		}
		if bestScore >= th.Similar && bestScore > d.Similarity {
			d.Similar, d.Match, d.Similarity = true, best.cand.Title, bestScore
		}
		if d.Similar {
			res.Similar = append(res.Similar, Rejection{Candidate: cand, Decision: d})
		}
		kept = append(kept, accepted{cand: cand, hash: d.Hash, kw: kw})
		res.Accepted = append(res.Accepted, cand)
	}

	c.logger.Info("dedup: batch filtered",
		"candidates", len(candidates), "accepted", len(res.Accepted), "rejected", len(res.Rejected))
	return res, nil
}
