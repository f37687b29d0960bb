// Package rating computes Elo-style rating updates for settled 1v1 matches.
// It is purely functional: settlement feeds it the pre-match rating
// snapshots and an outcome, and stores whatever comes out.
package rating

import (
	"math"

	glicko "github.com/zelenin/go-glicko2"
)

// New ratings are seeded on the glicko2 scale so the ladder keeps displaying
// a familiar 1500-centered leaderboard.
const (
	BaseRating    = glicko.RATING_BASE_R
	BaseDeviation = glicko.RATING_BASE_RD
)

type Outcome int

const ( // this is stored in DB, don't change values
	OutcomeAWins Outcome = 1
	OutcomeBWins Outcome = 2
	OutcomeDraw  Outcome = 3
)

func (o Outcome) IsValid() bool {
	return o == OutcomeAWins || o == OutcomeBWins || o == OutcomeDraw
}

// Invert returns the same result seen from the opposite seat.
func (o Outcome) Invert() Outcome {
	switch o {
	case OutcomeAWins:
		return OutcomeBWins
	case OutcomeBWins:
		return OutcomeAWins
	default:
		return o
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAWins:
		return "player A wins"
	case OutcomeBWins:
		return "player B wins"
	case OutcomeDraw:
		return "draw"
	default:
		return "invalid"
	}
}

// Settings hold the tunables of the updater, they belong to the fairness
// profile rather than to call sites.
type Settings struct {
	// K bounds the rating movement of a single game.
	K float64

	// Scale is the spread of the expectation logistic: a gap of one Scale
	// puts the expected odds at 10:1.
	Scale float64
}

func DefaultSettings() Settings {
	return Settings{K: 32, Scale: 400}
}

// ExpectedScore returns the probability of A beating B under the logistic
// expectation model.
func (s Settings) ExpectedScore(a, b float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (b-a)/s.Scale))
}

// Update returns the post-game ratings for both players. The winner's gain
// and the loser's loss have the same magnitude, so the pair's combined
// rating is conserved. An upset moves ratings further than an expected win.
func (s Settings) Update(a, b float64, outcome Outcome) (newA, newB float64) {
	delta := s.Delta(a, b, outcome)
	return a + delta, b - delta
}

// Delta returns the signed movement applied to A (and subtracted from B).
func (s Settings) Delta(a, b float64, outcome Outcome) float64 {
	var actual float64
	switch outcome {
	case OutcomeAWins:
		actual = 1.0
	case OutcomeBWins:
		actual = 0.0
	case OutcomeDraw:
		actual = 0.5
	}

	return s.K * (actual - s.ExpectedScore(a, b))
}

// KForGames is the provisional K-factor ramp: fresh accounts converge fast,
// established ones stay stable.
func KForGames(games int) float64 {
	switch {
	case games < 10:
		return 40
	case games < 20:
		return 32
	default:
		return 24
	}
}
