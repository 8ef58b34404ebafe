package matcher

import (
	"math"
	"sort"

	"github.com/example/dynamic-dispatch/internal/config"
	"github.com/example/dynamic-dispatch/internal/models"
)

// Scored is a candidate with its desirability score.
type Scored struct {
	models.Candidate
	Score float64
}

// Score sums the weighted terms and scales the sum by the priority
// multiplier. The multiplier is uniform across candidates, so it never
// changes who wins; it only lifts the absolute value recorded for audit.
func Score(c models.Candidate, p models.Priority, radiusUsed float64, w config.Weights) float64 {
	distance := math.Max(0, w.DistanceMax-w.DistancePerKm*c.DistanceKm)
	reputation := w.RatingWeight * c.Rating
	experience := math.Min(w.ExperienceCap, w.ExperiencePerJob*float64(c.CompletedJobs))
	var verified float64
	if c.Verified {
		verified = w.VerifiedBonus
	}
	var tier float64
	if radiusUsed > 0 {
		tier = math.Min(w.TierBonusMax, w.TierBonusKm/radiusUsed)
	}
	allowance := math.Min(w.AllowanceCap, w.AllowancePerJob*float64(c.RemainingAllowance))

	return (distance + reputation + experience + verified + tier + allowance) * multiplier(p, w)
}

func multiplier(p models.Priority, w config.Weights) float64 {
	switch p {
	case models.PriorityUrgent:
		return w.UrgentMultiplier
	case models.PriorityHigh:
		return w.HighMultiplier
	default:
		return 1
	}
}

// Rank scores every candidate and orders them best first: highest score,
// then smallest distance, then lowest agent ID.
func Rank(cands []models.Candidate, p models.Priority, radiusUsed float64, w config.Weights) []Scored {
	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		out = append(out, Scored{Candidate: c, Score: Score(c, p, radiusUsed, w)})
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

func better(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.ID < b.ID
}
