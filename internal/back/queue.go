package back

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"nydus/internal/util"
)

// QueueEntry is one waiting player. Entries live in memory only: a crash
// empties the queue and players simply requeue, losing a few wait cycles at
// worst.
type QueueEntry struct {
	PlayerID uuid.UUID

	// Factions the player is willing to queue on. Faction and Rating are
	// resolved from the player's most played requested faction at enqueue
	// time.
	Factions []string
	Faction  string
	Rating   float64

	// MapVetoes is ordered oldest veto first; the order matters when every
	// map ends up vetoed and the wave has to fall back.
	MapVetoes []string

	EnqueuedAt time.Time

	// WaitCycles counts the waves this entry survived unmatched. It is the
	// sole driver of fairness escalation.
	WaitCycles int
}

// waitQueue is the concurrently-mutated wait pool: wave execution and the
// admission API race on it, single writer at a time.
type waitQueue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*QueueEntry
}

func newWaitQueue() *waitQueue {
	return &waitQueue{entries: map[uuid.UUID]*QueueEntry{}}
}

func (q *waitQueue) add(e *QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[e.PlayerID]; ok {
		return false
	}

	q.entries[e.PlayerID] = e
	return true
}

func (q *waitQueue) remove(playerID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[playerID]; !ok {
		return false
	}

	delete(q.entries, playerID)
	return true
}

func (q *waitQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// snapshot returns copies of all entries ordered by wait priority (desc),
// ties broken by enqueue time (oldest first).
func (q *waitQueue) snapshot(p Profile) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	ret := make([]QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		ret = append(ret, *e)
	}

	sort.Slice(ret, func(i, j int) bool {
		pi, pj := p.WaitPriority(ret[i].WaitCycles), p.WaitPriority(ret[j].WaitCycles)
		if pi != pj {
			return pi > pj
		}
		return ret[i].EnqueuedAt.Before(ret[j].EnqueuedAt)
	})

	return ret
}

// settleWave removes the matched entries and ages the survivors.
func (q *waitQueue) settleWave(matched map[uuid.UUID]bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, e := range q.entries {
		if matched[id] {
			delete(q.entries, id)
			continue
		}
		e.WaitCycles++
	}
}

// Enqueue puts a player in the wait pool. The player's rating and queue
// faction are resolved from their most played requested faction, defaulting
// lazily for accounts with no recorded game.
func (b *Back) Enqueue(playerID uuid.UUID, factions, mapVetoes []string) error {
	factions = dedupeStrings(factions)
	if len(factions) == 0 {
		return util.ErrPublic("you need to queue on at least one faction")
	}

	entry := &QueueEntry{
		PlayerID:   playerID,
		Factions:   factions,
		MapVetoes:  dedupeStrings(mapVetoes),
		EnqueuedAt: time.Now(),
	}

	if err := b.transaction(func(tx *sqlx.Tx) error {
		if err := ensurePlayerHasNoActiveMatch(tx, playerID); err != nil {
			return err
		}

		best, err := getPlayerRating(tx, util.UUIDAsBlobFrom(playerID), factions[0])
		if err != nil {
			return err
		}
		for _, faction := range factions[1:] {
			r, err := getPlayerRating(tx, util.UUIDAsBlobFrom(playerID), faction)
			if err != nil {
				return err
			}
			if r.GamesPlayed > best.GamesPlayed {
				best = r
			}
		}

		entry.Faction = best.Faction
		entry.Rating = best.Rating

		return nil
	}); err != nil {
		return err
	}

	if !b.queue.add(entry) {
		return util.ErrPublic("you are already in the queue")
	}

	return nil
}

// DequeuePlayer removes a waiting player on explicit leave.
func (b *Back) DequeuePlayer(playerID uuid.UUID) error {
	if !b.queue.remove(playerID) {
		return util.ErrPublic("you are not in the queue")
	}

	return nil
}

// QueueStats is the point-in-time queue state exposed to collaborators.
type QueueStats struct {
	Size             int     `json:"size"`
	ActivePopulation int     `json:"active_population"`
	Pressure         float64 `json:"pressure"`
	Tier             string  `json:"tier"`
	Profile          string  `json:"profile"`
}

func (b *Back) QueueStats() (QueueStats, error) {
	var active int
	if err := b.transaction(func(tx *sqlx.Tx) (err error) {
		active, err = activePopulation(tx, time.Now().Add(-activePopulationWindow))
		return err
	}); err != nil {
		return QueueStats{}, err
	}

	size := b.queue.size()
	pressure := QueuePressure(size, active)

	return QueueStats{
		Size:             size,
		ActivePopulation: active,
		Pressure:         pressure,
		Tier:             b.profile.TierFor(pressure).String(),
		Profile:          b.profile.Name,
	}, nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	ret := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		ret = append(ret, v)
	}

	return ret
}
