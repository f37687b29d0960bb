package back

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gopkg.in/guregu/null.v4"

	"nydus/internal/rating"
	"nydus/internal/replay"
	"nydus/internal/util"
	"nydus/internal/wal"
)

// ConfirmMatch locks a found match in. The match only moves on once both
// players confirmed, the second confirmation stamps the match start time.
func (b *Back) ConfirmMatch(playerID, matchID uuid.UUID) error {
	defer b.lockMatch(matchID)()

	return b.transaction(func(tx *sqlx.Tx) error {
		match, err := getMatchByID(tx, util.UUIDAsBlobFrom(matchID))
		if err != nil {
			return err
		}

		seatA, err := match.isSeatA(playerID)
		if err != nil {
			return err
		}

		if match.State != MatchStateFound {
			return util.ErrPublic("this match is past confirmation")
		}

		if seatA {
			match.ConfirmedA = true
		} else {
			match.ConfirmedB = true
		}

		if match.ConfirmedA && match.ConfirmedB {
			match.State = MatchStateAwaitingReport
			match.PlayedAt = util.NewNullTimeAsTimestamp(time.Now())
			log.Printf("info: match %s confirmed by both players", match.ID)
		}

		return match.update(tx)
	})
}

// ReportResult records one player's claimed result, expressed from the
// reporter's own perspective. Reports freeze once both seats have one:
// agreement moves the match to verification, disagreement escalates.
func (b *Back) ReportResult(playerID, matchID uuid.UUID, claimed rating.Outcome) error {
	if !claimed.IsValid() {
		return util.ErrPublic("invalid match result")
	}

	defer b.lockMatch(matchID)()

	return b.transaction(func(tx *sqlx.Tx) error {
		match, err := getMatchByID(tx, util.UUIDAsBlobFrom(matchID))
		if err != nil {
			return err
		}

		seatA, err := match.isSeatA(playerID)
		if err != nil {
			return err
		}

		if match.State != MatchStateAwaitingReport {
			return util.ErrPublic("this match is not awaiting a result report")
		}
		if match.ReportA.Valid && match.ReportB.Valid {
			return util.ErrPublic("both results are already in")
		}

		// Reports are stored canonically, from seat A's perspective.
		canonical := claimed
		if !seatA {
			canonical = claimed.Invert()
		}

		if seatA {
			match.ReportA = null.IntFrom(int64(canonical))
		} else {
			match.ReportB = null.IntFrom(int64(canonical))
		}

		if match.ReportA.Valid && match.ReportB.Valid {
			if match.ReportA.Int64 != match.ReportB.Int64 {
				return b.escalateConflictTx(tx, &match, fmt.Sprintf(
					"players disagree on the result (%s vs. %s)",
					rating.Outcome(match.ReportA.Int64),
					rating.Outcome(match.ReportB.Int64),
				))
			}

			match.State = MatchStateVerifying
			if err := b.maybeSettleTx(tx, &match); err != nil {
				return err
			}
		}

		return match.update(tx)
	})
}

// UploadReplay takes one player's replay file as proof of the reported
// result. The raw bytes are kept on disk for audit, decoded by the worker
// pool and checked against what the ladder recorded about the match. Any
// failed check escalates to manual review instead of guessing.
func (b *Back) UploadReplay(ctx context.Context, playerID, matchID uuid.UUID, data []byte) error {
	ref, err := b.storeReplayFile(matchID, playerID, data)
	if err != nil {
		return fmt.Errorf("unable to store replay file: %w", err)
	}

	var record replay.MatchRecord
	if err := func() error {
		defer b.lockMatch(matchID)()

		return b.transaction(func(tx *sqlx.Tx) error {
			match, err := getMatchByID(tx, util.UUIDAsBlobFrom(matchID))
			if err != nil {
				return err
			}

			seatA, err := match.isSeatA(playerID)
			if err != nil {
				return err
			}

			if match.State != MatchStateAwaitingReport && match.State != MatchStateVerifying {
				return util.ErrPublic("this match does not accept replays")
			}

			if seatA {
				match.ReplayRefA = null.StringFrom(ref)
			} else {
				match.ReplayRefB = null.StringFrom(ref)
			}

			record = replay.MatchRecord{
				Factions: [2]string{match.FactionA, match.FactionB},
				Map:      match.Map,
				PlayedAt: match.PlayedAt.Time.Time(),
			}

			return match.update(tx)
		})
	}(); err != nil {
		return err
	}

	// Decoding runs outside the match lock and the transaction: it shells
	// out to an external process and can take seconds. Aborting the match
	// cancels it.
	parseCtx, cancel := context.WithCancel(ctx)
	b.registerVerification(matchID, cancel)
	parsed, parseErr := b.parser.Parse(parseCtx, data)
	b.unregisterVerification(matchID)
	cancelled := parseCtx.Err() != nil
	cancel()

	defer b.lockMatch(matchID)()

	return b.transaction(func(tx *sqlx.Tx) error {
		match, err := getMatchByID(tx, util.UUIDAsBlobFrom(matchID))
		if err != nil {
			return err
		}
		if match.State.IsTerminal() {
			// Aborted or escalated while we were decoding.
			return nil
		}

		if parseErr != nil {
			if cancelled {
				return nil
			}
			return b.escalateConflictTx(tx, &match, fmt.Sprintf(
				"replay could not be decoded: %s", parseErr,
			))
		}

		verification := replay.Verify(record, *parsed, b.tolerance)
		match.ReplayDetail = null.StringFrom(verification.String())

		if !verification.AllOK() {
			// A failing proof contradicts whatever the players agreed
			// on, including an earlier passing replay.
			match.ReplayOK = null.BoolFrom(false)
			return b.escalateConflictTx(tx, &match, fmt.Sprintf(
				"replay verification failed: %s", verification,
			))
		}

		match.ReplayOK = null.BoolFrom(true)
		if match.State == MatchStateVerifying {
			if err := b.maybeSettleTx(tx, &match); err != nil {
				return err
			}
		}

		return match.update(tx)
	})
}

// AbortMatch voids a match at the request of either participant. Aborting
// is always available before settlement: a voided match beats a contested
// one.
func (b *Back) AbortMatch(playerID, matchID uuid.UUID) error {
	defer b.lockMatch(matchID)()

	if err := b.transaction(func(tx *sqlx.Tx) error {
		match, err := getMatchByID(tx, util.UUIDAsBlobFrom(matchID))
		if err != nil {
			return err
		}

		if _, err := match.isSeatA(playerID); err != nil {
			return err
		}

		if match.State.IsTerminal() {
			return util.ErrPublic("this match is already over")
		}

		job, err := wal.NewJob(wal.KindMatchAborted, wal.AbortedPayload{
			MatchID:     matchID,
			RequestedBy: playerID,
		})
		if err != nil {
			return err
		}

		return b.wal.EnqueueTx(tx, job)
	}); err != nil {
		return err
	}

	b.cancelVerification(matchID)
	return nil
}

// maybeSettleTx enqueues the settlement job once every piece of evidence is
// in: both reports present and agreeing, plus a verified replay. Enqueueing
// shares the caller's transaction, so the decision and the job are durable
// together.
func (b *Back) maybeSettleTx(tx *sqlx.Tx, match *Match) error {
	if !match.ReportA.Valid || !match.ReportB.Valid ||
		match.ReportA.Int64 != match.ReportB.Int64 {
		return nil
	}
	if !match.ReplayOK.Valid || !match.ReplayOK.Bool {
		return nil
	}

	job, err := wal.NewJob(wal.KindMatchSettled, wal.SettledPayload{
		MatchID: match.ID.UUID(),
		Outcome: rating.Outcome(match.ReportA.Int64),
	})
	if err != nil {
		return err
	}

	return b.wal.EnqueueTx(tx, job)
}

// escalateConflictTx enqueues the conflict job alongside the caller's
// transaction and persists whatever evidence was gathered so far. The state
// itself only flips when the job is applied.
func (b *Back) escalateConflictTx(tx *sqlx.Tx, match *Match, detail string) error {
	job, err := wal.NewJob(wal.KindMatchConflict, wal.ConflictPayload{
		MatchID: match.ID.UUID(),
		Detail:  detail,
	})
	if err != nil {
		return err
	}

	if err := b.wal.EnqueueTx(tx, job); err != nil {
		return err
	}

	return match.update(tx)
}

func (b *Back) storeReplayFile(matchID, playerID uuid.UUID, data []byte) (string, error) {
	dir := b.replayDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s.SC2Replay", matchID, playerID)
	if err := ioutil.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return "", err
	}

	return name, nil
}

func (b *Back) registerVerification(matchID uuid.UUID, cancel context.CancelFunc) {
	b.verifyMu.Lock()
	defer b.verifyMu.Unlock()
	b.verifyCancel[matchID] = cancel
}

func (b *Back) unregisterVerification(matchID uuid.UUID) {
	b.verifyMu.Lock()
	defer b.verifyMu.Unlock()
	delete(b.verifyCancel, matchID)
}

func (b *Back) cancelVerification(matchID uuid.UUID) {
	b.verifyMu.Lock()
	defer b.verifyMu.Unlock()
	if cancel, ok := b.verifyCancel[matchID]; ok {
		cancel()
		delete(b.verifyCancel, matchID)
	}
}

// registerWriteJobHandlers binds the three terminal transitions to the
// write-ahead log. Every handler tolerates re-application: after a crash
// jobs can be applied again.
func (b *Back) registerWriteJobHandlers() {
	b.wal.Handle(wal.KindMatchSettled, b.handleMatchSettled)
	b.wal.Handle(wal.KindMatchAborted, b.handleMatchAborted)
	b.wal.Handle(wal.KindMatchConflict, b.handleMatchConflict)

	// Every job targets one match. The lock must be taken before the
	// applier's transaction opens: request handlers hold the match lock
	// while they wait for the sole database connection.
	b.wal.Guard(func(job wal.Job) func() {
		id, err := job.MatchID()
		if err != nil || id == uuid.Nil {
			return func() {}
		}

		return b.lockMatch(id)
	})
}

// handleMatchSettled recomputes both ratings from the snapshots fixed at
// pairing time and persists them. Working from snapshots rather than live
// ratings makes re-applying the job land on the same values.
func (b *Back) handleMatchSettled(tx *sqlx.Tx, job wal.Job, payload interface{}) error {
	p := payload.(wal.SettledPayload)

	match, err := getMatchByID(tx, util.UUIDAsBlobFrom(p.MatchID))
	if err != nil {
		return err
	}
	if match.State.IsTerminal() {
		return nil
	}

	ra, err := getPlayerRating(tx, match.PlayerA, match.FactionA)
	if err != nil {
		return err
	}
	rb, err := getPlayerRating(tx, match.PlayerB, match.FactionB)
	if err != nil {
		return err
	}

	settings := b.profile.Rating
	if b.profile.ProvisionalK {
		// Both seats get the same K to keep the exchange zero-sum, the
		// fresher account decides how fast it moves.
		settings.K = math.Max(
			rating.KForGames(ra.GamesPlayed),
			rating.KForGames(rb.GamesPlayed),
		)
	}

	newA, newB := settings.Update(
		match.RatingASnapshot, match.RatingBSnapshot,
		p.Outcome,
	)

	now := time.Now()
	ra.recordResult(newA, p.Outcome, true, now)
	rb.recordResult(newB, p.Outcome, false, now)
	if err := ra.upsert(tx); err != nil {
		return err
	}
	if err := rb.upsert(tx); err != nil {
		return err
	}

	match.State = MatchStateSettled
	match.RatingDelta = null.FloatFrom(newA - match.RatingASnapshot)
	if err := match.update(tx); err != nil {
		return err
	}

	log.Printf(
		"info: settled match %s (%s, delta %.1f)",
		match.ID, p.Outcome, newA-match.RatingASnapshot,
	)
	b.sendMatchSettledNotifications(match, p.Outcome, newA, newB)

	return nil
}

func (b *Back) handleMatchAborted(tx *sqlx.Tx, job wal.Job, payload interface{}) error {
	p := payload.(wal.AbortedPayload)

	match, err := getMatchByID(tx, util.UUIDAsBlobFrom(p.MatchID))
	if err != nil {
		return err
	}
	if match.State.IsTerminal() {
		return nil
	}

	match.State = MatchStateAborted
	if err := match.update(tx); err != nil {
		return err
	}

	log.Printf("info: aborted match %s at the request of %s", match.ID, p.RequestedBy)
	b.dispatcher.cancelMatch(p.MatchID)
	b.sendMatchAbortedNotifications(match, p.RequestedBy)

	return nil
}

func (b *Back) handleMatchConflict(tx *sqlx.Tx, job wal.Job, payload interface{}) error {
	p := payload.(wal.ConflictPayload)

	match, err := getMatchByID(tx, util.UUIDAsBlobFrom(p.MatchID))
	if err != nil {
		return err
	}
	if match.State.IsTerminal() {
		return nil
	}

	match.State = MatchStateConflict
	match.ConflictDetail = null.StringFrom(p.Detail)
	if err := match.update(tx); err != nil {
		return err
	}

	log.Printf("warning: match %s escalated to manual review: %s", match.ID, p.Detail)
	b.cancelVerification(p.MatchID)
	b.sendMatchConflictNotifications(match, p.Detail)

	return nil
}
