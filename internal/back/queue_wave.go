package back

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"nydus/internal/util"
)

// runWave executes one matching cycle: compute queue pressure, derive the
// tier and windows, pair what can be paired and age the rest. Finding no
// partner is not an error, the entry just waits another wave.
func (b *Back) runWave() error {
	entries := b.queue.snapshot(b.profile)
	if len(entries) < 2 {
		// Even a lone entry survived an unsuccessful wave and keeps
		// accruing wait cycles toward a wider window.
		b.queue.settleWave(nil)
		return nil
	}

	var active int
	if err := b.transaction(func(tx *sqlx.Tx) (err error) {
		active, err = activePopulation(tx, time.Now().Add(-activePopulationWindow))
		return err
	}); err != nil {
		return fmt.Errorf("unable to compute active population: %w", err)
	}

	pressure := QueuePressure(len(entries), active)
	tier := b.profile.TierFor(pressure)

	pairs := pairEntries(b.profile, tier, entries)
	if len(pairs) == 0 {
		b.queue.settleWave(nil)
		return nil
	}

	log.Printf(
		"info: wave matched %d pair(s) (queue %d, pressure %.2f, tier %s)",
		len(pairs), len(entries), pressure, tier,
	)

	matched := make(map[uuid.UUID]bool, len(pairs)*2)
	for _, p := range pairs {
		if err := b.createMatch(p.a, p.b); err != nil {
			// Leave both entries in the pool, they will be retried next
			// wave.
			log.Printf("error: unable to create match: %s", err)
			continue
		}
		matched[p.a.PlayerID] = true
		matched[p.b.PlayerID] = true
	}

	b.queue.settleWave(matched)
	return nil
}

type entryPair struct {
	a, b QueueEntry
}

// pairEntries greedily pairs entries in descending wait-priority order:
// each seeker gets the eligible partner with the closest rating. The window
// constraint is the seeker's own, priority never bypasses it.
func pairEntries(profile Profile, tier Tier, entries []QueueEntry) []entryPair {
	paired := make(map[uuid.UUID]bool, len(entries))
	ret := make([]entryPair, 0, len(entries)/2)

	for i := range entries {
		seeker := entries[i]
		if paired[seeker.PlayerID] || len(seeker.Factions) == 0 {
			continue
		}

		window := profile.Window(tier, seeker.WaitCycles)
		best := -1
		bestGap := 0.0

		for j := range entries {
			if i == j {
				continue
			}
			candidate := entries[j]
			if paired[candidate.PlayerID] || len(candidate.Factions) == 0 {
				continue
			}

			gap := math.Abs(seeker.Rating - candidate.Rating)
			if gap > window {
				continue
			}

			if best == -1 || gap < bestGap {
				best, bestGap = j, gap
			}
		}

		if best == -1 {
			continue
		}

		paired[seeker.PlayerID] = true
		paired[entries[best].PlayerID] = true
		ret = append(ret, entryPair{a: seeker, b: entries[best]})
	}

	return ret
}

// pickMap draws a map no one vetoed. When the combined vetoes exhaust the
// whole pool the least-recently-vetoed map is used: refusing the pairing
// over vetoes would punish exactly the players who waited longest.
func pickMap(pool []string, a, b QueueEntry) (string, error) {
	if len(pool) == 0 {
		return "", fmt.Errorf("empty map pool")
	}

	vetoed := map[string]bool{}
	for _, v := range a.MapVetoes {
		vetoed[v] = true
	}
	for _, v := range b.MapVetoes {
		vetoed[v] = true
	}

	allowed := make([]string, 0, len(pool))
	for _, v := range pool {
		if !vetoed[v] {
			allowed = append(allowed, v)
		}
	}
	if len(allowed) > 0 {
		return allowed[randomIndex(len(allowed))], nil
	}

	// Veto lists are ordered oldest first: the most recent position of a
	// map across both lists is its recency, lowest recency wins.
	best := ""
	bestRecency := 0
	for _, v := range pool {
		recency := vetoRecency(v, a.MapVetoes, b.MapVetoes)
		if best == "" || recency < bestRecency {
			best, bestRecency = v, recency
		}
	}

	return best, nil
}

func vetoRecency(mapName string, vetoesA, vetoesB []string) int {
	recency := -1
	for i, v := range vetoesA {
		if v == mapName {
			recency = i
		}
	}
	for i, v := range vetoesB {
		if v == mapName && i > recency {
			recency = i
		}
	}

	return recency
}

// createMatch persists the pairing with both rating snapshots fixed and
// tells both players.
func (b *Back) createMatch(ea, eb QueueEntry) error {
	var match Match
	if err := b.transaction(func(tx *sqlx.Tx) error {
		ra, err := getPlayerRating(tx, util.UUIDAsBlobFrom(ea.PlayerID), ea.Faction)
		if err != nil {
			return err
		}
		rb, err := getPlayerRating(tx, util.UUIDAsBlobFrom(eb.PlayerID), eb.Faction)
		if err != nil {
			return err
		}

		mapName, err := pickMap(b.mapPool, ea, eb)
		if err != nil {
			return err
		}

		match = NewMatch(ea, eb, ra.Rating, rb.Rating, mapName)
		return match.insert(tx)
	}); err != nil {
		return err
	}

	b.sendMatchFoundNotifications(match)
	return nil
}
