package back

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gopkg.in/guregu/null.v4"

	"nydus/internal/util"
)

type MatchState int

const ( // this is stored in DB, don't change values
	MatchStateFound          MatchState = 0 // waiting for both players to confirm
	MatchStateAwaitingReport MatchState = 1 // game on, waiting for both reports
	MatchStateVerifying      MatchState = 2 // reports agree, waiting for replay proof
	MatchStateSettled        MatchState = 3 // ratings applied
	MatchStateAborted        MatchState = 4 // voided before settlement
	MatchStateConflict       MatchState = 5 // frozen for manual review
)

func (s MatchState) IsTerminal() bool {
	switch s {
	case MatchStateSettled, MatchStateAborted, MatchStateConflict:
		return true
	default:
		return false
	}
}

func MatchStateName(s MatchState) string {
	switch s {
	case MatchStateFound:
		return "Found"
	case MatchStateAwaitingReport:
		return "AwaitingReport"
	case MatchStateVerifying:
		return "Verifying"
	case MatchStateSettled:
		return "Settled"
	case MatchStateAborted:
		return "Aborted"
	case MatchStateConflict:
		return "Conflict"
	default:
		return "invalid"
	}
}

// Match is one 1v1 game through its whole lifecycle. The rating snapshots
// are fixed when the pairing is made and never updated afterwards, so
// settlement is reproducible no matter what happens to the live ratings in
// between.
type Match struct {
	ID        util.UUIDAsBlob
	CreatedAt util.TimeAsTimestamp
	PlayedAt  util.NullTimeAsTimestamp

	PlayerA  util.UUIDAsBlob
	PlayerB  util.UUIDAsBlob
	FactionA string
	FactionB string

	RatingASnapshot float64
	RatingBSnapshot float64

	Map   string
	State MatchState

	ConfirmedA bool
	ConfirmedB bool

	ReportA null.Int
	ReportB null.Int

	RatingDelta null.Float

	ReplayRefA   null.String
	ReplayRefB   null.String
	ReplayOK     null.Bool
	ReplayDetail null.String

	ConflictDetail null.String
}

// NewMatch pairs two queue entries. Both rating snapshots are fixed here:
// a Match never leaves the found state without them.
func NewMatch(a, b QueueEntry, snapshotA, snapshotB float64, mapName string) Match {
	return Match{
		ID:              util.NewUUIDAsBlob(),
		CreatedAt:       util.TimeAsTimestamp(time.Now()),
		PlayerA:         util.UUIDAsBlobFrom(a.PlayerID),
		PlayerB:         util.UUIDAsBlobFrom(b.PlayerID),
		FactionA:        a.Faction,
		FactionB:        b.Faction,
		RatingASnapshot: snapshotA,
		RatingBSnapshot: snapshotB,
		Map:             mapName,
		State:           MatchStateFound,
	}
}

// isSeatA tells which seat a player occupies, erroring out for strangers.
func (m *Match) isSeatA(playerID uuid.UUID) (bool, error) {
	switch playerID {
	case m.PlayerA.UUID():
		return true, nil
	case m.PlayerB.UUID():
		return false, nil
	default:
		return false, util.ErrPublic("you are not part of this match")
	}
}

func (m *Match) opponentOf(playerID uuid.UUID) uuid.UUID {
	if playerID == m.PlayerA.UUID() {
		return m.PlayerB.UUID()
	}
	return m.PlayerA.UUID()
}

func (m *Match) insert(tx *sqlx.Tx) error {
	query, args, err := squirrel.Insert("Match").SetMap(squirrel.Eq{
		"ID":              m.ID,
		"CreatedAt":       m.CreatedAt,
		"PlayedAt":        m.PlayedAt,
		"PlayerA":         m.PlayerA,
		"PlayerB":         m.PlayerB,
		"FactionA":        m.FactionA,
		"FactionB":        m.FactionB,
		"RatingASnapshot": m.RatingASnapshot,
		"RatingBSnapshot": m.RatingBSnapshot,
		"Map":             m.Map,
		"State":           m.State,
		"ConfirmedA":      m.ConfirmedA,
		"ConfirmedB":      m.ConfirmedB,
		"ReportA":         m.ReportA,
		"ReportB":         m.ReportB,
		"RatingDelta":     m.RatingDelta,
		"ReplayRefA":      m.ReplayRefA,
		"ReplayRefB":      m.ReplayRefB,
		"ReplayOK":        m.ReplayOK,
		"ReplayDetail":    m.ReplayDetail,
		"ConflictDetail":  m.ConflictDetail,
	}).ToSql()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}

	return nil
}

func (m *Match) update(tx *sqlx.Tx) error {
	query, args, err := squirrel.Update("Match").SetMap(squirrel.Eq{
		"PlayedAt":       m.PlayedAt,
		"State":          m.State,
		"ConfirmedA":     m.ConfirmedA,
		"ConfirmedB":     m.ConfirmedB,
		"ReportA":        m.ReportA,
		"ReportB":        m.ReportB,
		"RatingDelta":    m.RatingDelta,
		"ReplayRefA":     m.ReplayRefA,
		"ReplayRefB":     m.ReplayRefB,
		"ReplayOK":       m.ReplayOK,
		"ReplayDetail":   m.ReplayDetail,
		"ConflictDetail": m.ConflictDetail,
	}).Where(squirrel.Eq{"Match.ID": m.ID}).ToSql()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}

	return nil
}

func getMatchByID(tx *sqlx.Tx, id util.UUIDAsBlob) (Match, error) {
	var ret Match
	query := `SELECT * FROM Match WHERE Match.ID = ? LIMIT 1`
	if err := tx.Get(&ret, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Match{}, util.ErrPublic("could not find this match")
		}
		return Match{}, fmt.Errorf("unable to fetch match: %w", err)
	}

	return ret, nil
}

// ensurePlayerHasNoActiveMatch refuses queue admission to a player with a
// match still in flight.
func ensurePlayerHasNoActiveMatch(tx *sqlx.Tx, playerID uuid.UUID) error {
	var count int
	query := `
        SELECT COUNT(*) FROM Match
        WHERE (Match.PlayerA = ? OR Match.PlayerB = ?)
          AND Match.State IN (?, ?, ?)`

	id := util.UUIDAsBlobFrom(playerID)
	if err := tx.Get(
		&count, query, id, id,
		MatchStateFound, MatchStateAwaitingReport, MatchStateVerifying,
	); err != nil {
		return err
	}

	if count > 0 {
		return util.ErrPublic("you already have a match in progress")
	}

	return nil
}
