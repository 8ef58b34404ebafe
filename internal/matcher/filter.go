package matcher

import (
	"time"

	"github.com/example/dynamic-dispatch/internal/models"
)

// Reason names the first availability rule an agent fails.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonOffline             Reason = "offline"
	ReasonUnavailable         Reason = "unavailable"
	ReasonStalePing           Reason = "stale_ping"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonNoAllowance         Reason = "no_allowance"
)

// Dispatchable applies the availability rules in order. A ping exactly
// staleAfter old is already stale.
func Dispatchable(a models.Agent, now time.Time, staleAfter time.Duration) (bool, Reason) {
	switch {
	case !a.Online:
		return false, ReasonOffline
	case !a.Available:
		return false, ReasonUnavailable
	case now.Sub(a.LastPing) >= staleAfter:
		return false, ReasonStalePing
	case a.Balance.LessThan(a.MinimumBalance):
		return false, ReasonInsufficientBalance
	case a.RemainingAllowance <= 0:
		return false, ReasonNoAllowance
	}
	return true, ReasonNone
}

// FilterDispatchable keeps the candidates that pass every rule. It is pure:
// the input slice is not modified.
func FilterDispatchable(cands []models.Candidate, now time.Time, staleAfter time.Duration) []models.Candidate {
	kept, _ := partition(cands, now, staleAfter)
	return kept
}

func partition(cands []models.Candidate, now time.Time, staleAfter time.Duration) ([]models.Candidate, map[Reason]int) {
	kept := make([]models.Candidate, 0, len(cands))
	rejected := make(map[Reason]int)
	for _, c := range cands {
		if ok, why := Dispatchable(c.Agent, now, staleAfter); !ok {
			rejected[why]++
			continue
		}
		kept = append(kept, c)
	}
	return kept, rejected
}
