package back

import (
	"fmt"
	"math"
	"strings"

	"nydus/internal/rating"
)

// Tier is the congestion tier a matching wave runs under. Higher pressure
// means wider windows: with few players waiting, a narrow window would leave
// everyone unmatched for a long time.
type Tier int

const (
	TierLow Tier = iota
	TierModerate
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierModerate:
		return "moderate"
	case TierHigh:
		return "high"
	default:
		return "invalid"
	}
}

// TierWindow is the rating window of one tier: the max allowed gap starts at
// Base and grows by Growth for every wave an entry survives unmatched.
type TierWindow struct {
	Base   float64
	Growth float64
}

// Profile is a named bundle of fairness constants. Switching profiles is a
// configuration choice, never a code branch at a call site.
type Profile struct {
	Name string

	// Pressure thresholds for the moderate and high tiers.
	ModerateThreshold float64
	HighThreshold     float64

	// Windows indexed by Tier.
	Windows [3]TierWindow

	// Wait priority = coefficient * waitCycles^exponent. Tie-break only,
	// never a way around the window constraint.
	PriorityCoefficient float64
	PriorityExponent    float64

	Rating rating.Settings

	// ProvisionalK makes settlements of fresh accounts move faster.
	ProvisionalK bool
}

// BalancedProfile is the default ladder tuning: conservative windows, slow
// escalation.
func BalancedProfile() Profile {
	return Profile{
		Name:              "balanced",
		ModerateThreshold: 0.33,
		HighThreshold:     0.66,
		Windows: [3]TierWindow{
			TierLow:      {Base: 100, Growth: 25},
			TierModerate: {Base: 150, Growth: 40},
			TierHigh:     {Base: 200, Growth: 60},
		},
		PriorityCoefficient: 1.0,
		PriorityExponent:    1.5,
		Rating:              rating.DefaultSettings(),
		ProvisionalK:        true,
	}
}

// AggressiveProfile trades match quality for queue time: tiers trigger
// sooner and windows open faster.
func AggressiveProfile() Profile {
	return Profile{
		Name:              "aggressive",
		ModerateThreshold: 0.25,
		HighThreshold:     0.50,
		Windows: [3]TierWindow{
			TierLow:      {Base: 150, Growth: 40},
			TierModerate: {Base: 225, Growth: 60},
			TierHigh:     {Base: 300, Growth: 90},
		},
		PriorityCoefficient: 1.0,
		PriorityExponent:    2.0,
		Rating:              rating.DefaultSettings(),
		ProvisionalK:        true,
	}
}

func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(name) {
	case "", "balanced":
		return BalancedProfile(), nil
	case "aggressive":
		return AggressiveProfile(), nil
	default:
		return Profile{}, fmt.Errorf("unknown fairness profile %q", name)
	}
}

// populationScale amplifies pressure on small ladders so their tier
// escalates sooner, and damps it on large ones.
func populationScale(activePopulation int) float64 {
	switch {
	case activePopulation <= 50:
		return 4.0
	case activePopulation <= 200:
		return 2.0
	case activePopulation <= 1000:
		return 1.0
	default:
		return 0.5
	}
}

// QueuePressure is the normalized [0,1] congestion of the queue relative to
// the active population.
func QueuePressure(queueSize, activePopulation int) float64 {
	if queueSize <= 0 {
		return 0
	}
	if activePopulation <= 0 {
		// Everyone the ladder knows about is in the queue right now.
		return 1
	}

	pressure := populationScale(activePopulation) *
		float64(queueSize) / float64(activePopulation)

	return math.Min(1.0, math.Max(0.0, pressure))
}

func (p Profile) TierFor(pressure float64) Tier {
	switch {
	case pressure >= p.HighThreshold:
		return TierHigh
	case pressure >= p.ModerateThreshold:
		return TierModerate
	default:
		return TierLow
	}
}

// Window returns the max allowed rating gap for an entry that has waited
// waitCycles waves, under the given tier. Monotonically non-decreasing in
// waitCycles.
func (p Profile) Window(tier Tier, waitCycles int) float64 {
	w := p.Windows[tier]
	return w.Base + w.Growth*float64(waitCycles)
}

// WaitPriority orders candidates within a wave, longest-waiting first.
func (p Profile) WaitPriority(waitCycles int) float64 {
	return p.PriorityCoefficient * math.Pow(float64(waitCycles), p.PriorityExponent)
}
