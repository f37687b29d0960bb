package back

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"nydus/internal/rating"
	"nydus/internal/util"
)

// activePopulationWindow decides who still counts as an active ladder
// player when computing queue pressure.
const activePopulationWindow = 30 * 24 * time.Hour

// PlayerRating is one (player, faction) ladder standing. Rows are created
// lazily on the first recorded game and mutated only by WAL settlement
// handlers.
type PlayerRating struct {
	PlayerID  util.UUIDAsBlob
	Faction   string
	CreatedAt util.TimeAsTimestamp

	Rating    float64
	Deviation float64

	GamesPlayed int
	GamesWon    int
	GamesLost   int
	GamesDrawn  int

	LastPlayed util.NullTimeAsTimestamp
}

func NewPlayerRating(playerID util.UUIDAsBlob, faction string) PlayerRating {
	return PlayerRating{
		PlayerID:  playerID,
		Faction:   faction,
		CreatedAt: util.TimeAsTimestamp(time.Now()),

		Rating:    rating.BaseRating,
		Deviation: rating.BaseDeviation,
	}
}

// getPlayerRating gets the current rating of a player on a faction or
// creates and returns a default rating on the fly.
func getPlayerRating(tx *sqlx.Tx, playerID util.UUIDAsBlob, faction string) (PlayerRating, error) {
	var ret PlayerRating
	query := `SELECT * FROM PlayerRating WHERE PlayerID = ? AND Faction = ? LIMIT 1`
	if err := tx.Get(&ret, query, playerID, faction); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewPlayerRating(playerID, faction), nil
		}
		return PlayerRating{}, err
	}

	return ret, nil
}

// recordResult folds one settled game into the standing.
func (r *PlayerRating) recordResult(newRating float64, outcome rating.Outcome, seatA bool, now time.Time) {
	r.Rating = newRating
	r.GamesPlayed++
	r.LastPlayed = util.NewNullTimeAsTimestamp(now)

	switch {
	case outcome == rating.OutcomeDraw:
		r.GamesDrawn++
	case (outcome == rating.OutcomeAWins) == seatA:
		r.GamesWon++
	default:
		r.GamesLost++
	}
}

func (r *PlayerRating) upsert(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
        INSERT INTO PlayerRating (
            PlayerID, Faction, CreatedAt, Rating, Deviation,
            GamesPlayed, GamesWon, GamesLost, GamesDrawn, LastPlayed
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (PlayerID, Faction) DO UPDATE SET
            Rating = excluded.Rating,
            Deviation = excluded.Deviation,
            GamesPlayed = excluded.GamesPlayed,
            GamesWon = excluded.GamesWon,
            GamesLost = excluded.GamesLost,
            GamesDrawn = excluded.GamesDrawn,
            LastPlayed = excluded.LastPlayed`,
		r.PlayerID, r.Faction, r.CreatedAt, r.Rating, r.Deviation,
		r.GamesPlayed, r.GamesWon, r.GamesLost, r.GamesDrawn, r.LastPlayed,
	)

	return err
}

func activePopulation(tx *sqlx.Tx, since time.Time) (int, error) {
	var count int
	query := `
        SELECT COUNT(DISTINCT PlayerID) FROM PlayerRating
        WHERE LastPlayed IS NOT NULL AND LastPlayed >= ?`

	if err := tx.Get(&count, query, util.TimeAsTimestamp(since)); err != nil {
		return 0, err
	}

	return count, nil
}
