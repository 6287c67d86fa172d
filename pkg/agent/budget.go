package agent

import (
	"math"
	"sync"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
)

// TokenPolicy governs the token side of the budget. At the soft limit a
// convergence nudge is injected; at the hard limit synthesis is forced.
type TokenPolicy struct {
	Active                              bool
	TokensMax                           int
	SoftLimitRatio                      float64
	HardLimitRatio                      float64
	HardStop                            bool
	ForceSynthesisOnHardLimit           bool
	RestrictBroadExplorationAtSoftLimit bool
}

// DefaultTokenPolicy returns the standard limits.
func DefaultTokenPolicy(tokensMax int) TokenPolicy {
	return TokenPolicy{
		Active:                              true,
		TokensMax:                           tokensMax,
		SoftLimitRatio:                      0.75,
		HardLimitRatio:                      0.95,
		ForceSynthesisOnHardLimit:           true,
		RestrictBroadExplorationAtSoftLimit: true,
	}
}

// Escalation records one tier move.
type Escalation struct {
	From   providers.Tier `json:"from"`
	To     providers.Tier `json:"to"`
	Reason string         `json:"reason"`
}

// Budget tracks iteration and token consumption for one task. Both
// counters are monotone; iterationsUsed never exceeds iterationsMax.
type Budget struct {
	mu             sync.Mutex
	iterationsMax  int
	iterationsUsed int
	globalMax      int
	tokensUsed     int
	policy         TokenPolicy
	currentTier    providers.Tier
	escalations    []Escalation
	extended       bool
}

// NewBudget creates a budget. globalMax caps any extension; initialTokens
// carries token usage across tier reruns so the counter stays monotone.
func NewBudget(iterationsMax, globalMax int, policy TokenPolicy, tier providers.Tier, initialTokens int) *Budget {
	if iterationsMax <= 0 {
		iterationsMax = 12
	}
	if globalMax <= 0 {
		globalMax = 20
	}
	if iterationsMax > globalMax {
		iterationsMax = globalMax
	}
	return &Budget{
		iterationsMax: iterationsMax,
		globalMax:     globalMax,
		policy:        policy,
		currentTier:   tier,
		tokensUsed:    initialTokens,
	}
}

// BeginIteration claims the next iteration and returns its sequence number,
// or 0 when the iteration budget is already spent.
func (b *Budget) BeginIteration() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.iterationsUsed >= b.iterationsMax {
		return 0
	}
	b.iterationsUsed++
	return b.iterationsUsed
}

// AddTokens accumulates usage from one LLM call.
func (b *Budget) AddTokens(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokensUsed += n
}

func (b *Budget) IterationsUsed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iterationsUsed
}

func (b *Budget) IterationsMax() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iterationsMax
}

func (b *Budget) TokensUsed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokensUsed
}

// AtIterationLimit reports whether the used count reached the max.
func (b *Budget) AtIterationLimit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iterationsUsed >= b.iterationsMax
}

// SoftLimitReached reports whether token usage crossed the soft ratio.
func (b *Budget) SoftLimitReached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.policy.Active || b.policy.TokensMax <= 0 {
		return false
	}
	return float64(b.tokensUsed) >= b.policy.SoftLimitRatio*float64(b.policy.TokensMax)
}

// HardLimitReached reports whether token usage crossed the hard ratio.
func (b *Budget) HardLimitReached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.policy.Active || b.policy.TokensMax <= 0 {
		return false
	}
	return float64(b.tokensUsed) >= b.policy.HardLimitRatio*float64(b.policy.TokensMax)
}

// RemainingRatio returns the fraction of budget left. Token budget when
// active, iteration budget otherwise.
func (b *Budget) RemainingRatio() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.policy.Active && b.policy.TokensMax > 0 {
		remaining := 1 - float64(b.tokensUsed)/float64(b.policy.TokensMax)
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	remaining := 1 - float64(b.iterationsUsed)/float64(b.iterationsMax)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExtensionEligible reports whether the one-shot extension window is open:
// at or past 0.6 of the budget and not yet extended.
func (b *Budget) ExtensionEligible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.extended && float64(b.iterationsUsed) >= 0.6*float64(b.iterationsMax)
}

// TryExtend grows the budget once by ceil(budget*0.5), capped at the global
// max. The caller asserts that measurable progress was observed. Returns
// the iterations added.
func (b *Budget) TryExtend(progressObserved bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.extended || !progressObserved {
		return 0
	}
	if float64(b.iterationsUsed) < 0.6*float64(b.iterationsMax) {
		return 0
	}
	added := int(math.Ceil(float64(b.iterationsMax) * 0.5))
	if b.iterationsMax+added > b.globalMax {
		added = b.globalMax - b.iterationsMax
	}
	if added <= 0 {
		return 0
	}
	b.iterationsMax += added
	b.extended = true
	logger.InfoCF("budget", "Iteration budget extended", map[string]any{
		"added":   added,
		"new_max": b.iterationsMax,
	})
	return added
}

// RecordEscalation appends a tier move.
func (b *Budget) RecordEscalation(from, to providers.Tier, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.escalations = append(b.escalations, Escalation{From: from, To: to, Reason: reason})
}

// Escalations returns a copy of the recorded tier moves.
func (b *Budget) Escalations() []Escalation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Escalation, len(b.escalations))
	copy(out, b.escalations)
	return out
}

// CurrentTier returns the tier this budget is running at.
func (b *Budget) CurrentTier() providers.Tier {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTier
}

// Policy returns the token policy.
func (b *Budget) Policy() TokenPolicy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}
