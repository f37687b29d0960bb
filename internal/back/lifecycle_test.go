package back

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"nydus/internal/rating"
	"nydus/internal/replay"
	"nydus/internal/wal"
)

type lifecycleFixture struct {
	back     *Back
	parser   *stubParser
	notifier *testNotifier
	match    Match
	playerA  uuid.UUID
	playerB  uuid.UUID
}

// createLifecycleFixture queues two fresh players, runs a wave and hands
// back the resulting match. Seat A is the first player queued.
func createLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()

	parser := &stubParser{}
	notifier := &testNotifier{}
	b := createTestBack(t, parser, notifier)

	playerA, playerB := uuid.New(), uuid.New()
	if err := b.Enqueue(playerA, []string{"terran"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(playerB, []string{"zerg"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.runWave(); err != nil {
		t.Fatal(err)
	}

	match := fetchOnlyMatch(t, b)
	if match.PlayerA.UUID() != playerA {
		t.Fatalf("expected the first queued player in seat A")
	}

	return &lifecycleFixture{
		back:     b,
		parser:   parser,
		notifier: notifier,
		match:    match,
		playerA:  playerA,
		playerB:  playerB,
	}
}

func (f *lifecycleFixture) confirmBoth(t *testing.T) {
	t.Helper()

	if err := f.back.ConfirmMatch(f.playerA, f.match.ID.UUID()); err != nil {
		t.Fatal(err)
	}

	match := fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateFound {
		t.Fatalf("expected state Found after one confirmation, got %s", MatchStateName(match.State))
	}

	if err := f.back.ConfirmMatch(f.playerB, f.match.ID.UUID()); err != nil {
		t.Fatal(err)
	}

	match = fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateAwaitingReport {
		t.Fatalf("expected state AwaitingReport, got %s", MatchStateName(match.State))
	}
	if !match.PlayedAt.Valid {
		t.Fatal("expected a match start time after both confirmations")
	}

	f.match = match
}

// goodReplay matches everything the fixture match recorded.
func (f *lifecycleFixture) goodReplay() *replay.ParsedReplay {
	return &replay.ParsedReplay{
		Races:           []string{f.match.FactionB, f.match.FactionA},
		MapName:         f.match.Map,
		StartedAt:       f.match.PlayedAt.Time.Time().Add(time.Minute),
		DurationSeconds: 600,
	}
}

func (f *lifecycleFixture) applyWAL(t *testing.T) {
	t.Helper()
	if err := f.back.wal.Apply(10); err != nil {
		t.Fatal(err)
	}
}

func TestMatchLifecycleSettles(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	// Seat A reports a win, seat B concedes: both canonicalize to the
	// same outcome.
	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeAWins); err != nil {
		t.Fatal(err)
	}
	if err := f.back.ReportResult(f.playerB, f.match.ID.UUID(), rating.OutcomeBWins); err != nil {
		t.Fatal(err)
	}

	match := fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateVerifying {
		t.Fatalf("expected state Verifying, got %s", MatchStateName(match.State))
	}

	f.parser.parsed = f.goodReplay()
	if err := f.back.UploadReplay(
		context.Background(), f.playerA, f.match.ID.UUID(), []byte("raw"),
	); err != nil {
		t.Fatal(err)
	}

	// The terminal transition only happens once the WAL applies the job.
	match = fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateVerifying {
		t.Fatalf("expected state Verifying before WAL application, got %s", MatchStateName(match.State))
	}

	f.applyWAL(t)

	match = fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateSettled {
		t.Fatalf("expected state Settled, got %s", MatchStateName(match.State))
	}
	if !match.RatingDelta.Valid || match.RatingDelta.Float64 <= 0 {
		t.Errorf("expected a positive rating delta for a seat A win, got %+v", match.RatingDelta)
	}

	ra := fetchRating(t, f.back, f.playerA, match.FactionA)
	rb := fetchRating(t, f.back, f.playerB, match.FactionB)

	gained := ra.Rating - match.RatingASnapshot
	lost := match.RatingBSnapshot - rb.Rating
	if gained != lost {
		t.Errorf("rating exchange is not zero-sum: +%f vs -%f", gained, lost)
	}
	if gained != match.RatingDelta.Float64 {
		t.Errorf("stored delta %f does not match applied delta %f", match.RatingDelta.Float64, gained)
	}
	if ra.GamesWon != 1 || ra.GamesPlayed != 1 {
		t.Errorf("expected 1 game, 1 win for seat A, got %+v", ra)
	}
	if rb.GamesLost != 1 || rb.GamesPlayed != 1 {
		t.Errorf("expected 1 game, 1 loss for seat B, got %+v", rb)
	}

	settled := f.notifier.byType(NotificationTypeMatchSettled)
	if len(settled) != 2 {
		t.Fatalf("expected 2 settlement notifications, got %d", len(settled))
	}
}

func TestReplayBeforeAgreementStillSettles(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	f.parser.parsed = f.goodReplay()
	if err := f.back.UploadReplay(
		context.Background(), f.playerB, f.match.ID.UUID(), []byte("raw"),
	); err != nil {
		t.Fatal(err)
	}

	match := fetchMatch(t, f.back, f.match.ID)
	if !match.ReplayOK.Valid || !match.ReplayOK.Bool {
		t.Fatal("expected the replay to verify")
	}
	if !match.ReplayRefB.Valid {
		t.Fatal("expected a replay reference on seat B")
	}

	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeDraw); err != nil {
		t.Fatal(err)
	}
	if err := f.back.ReportResult(f.playerB, f.match.ID.UUID(), rating.OutcomeDraw); err != nil {
		t.Fatal(err)
	}

	f.applyWAL(t)

	match = fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateSettled {
		t.Fatalf("expected state Settled, got %s", MatchStateName(match.State))
	}
	if match.RatingDelta.Float64 != 0 {
		t.Errorf("expected a zero delta for a draw between equals, got %f", match.RatingDelta.Float64)
	}

	ra := fetchRating(t, f.back, f.playerA, match.FactionA)
	if ra.GamesDrawn != 1 {
		t.Errorf("expected 1 draw for seat A, got %+v", ra)
	}
}

func TestReportDisagreementEscalates(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	// Both claim the win.
	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeAWins); err != nil {
		t.Fatal(err)
	}
	if err := f.back.ReportResult(f.playerB, f.match.ID.UUID(), rating.OutcomeAWins); err != nil {
		t.Fatal(err)
	}

	f.applyWAL(t)

	match := fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateConflict {
		t.Fatalf("expected state Conflict, got %s", MatchStateName(match.State))
	}
	if !match.ConflictDetail.Valid {
		t.Error("expected a conflict detail")
	}

	if conflicts := f.notifier.byType(NotificationTypeMatchConflict); len(conflicts) != 2 {
		t.Errorf("expected 2 conflict notifications, got %d", len(conflicts))
	}

	// No rating moved.
	ra := fetchRating(t, f.back, f.playerA, match.FactionA)
	if ra.GamesPlayed != 0 || ra.Rating != match.RatingASnapshot {
		t.Errorf("expected untouched ratings on conflict, got %+v", ra)
	}
}

func TestReplayVerificationFailureEscalates(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeAWins); err != nil {
		t.Fatal(err)
	}
	if err := f.back.ReportResult(f.playerB, f.match.ID.UUID(), rating.OutcomeBWins); err != nil {
		t.Fatal(err)
	}

	bad := f.goodReplay()
	bad.MapName = "somewhere else entirely"
	f.parser.parsed = bad

	if err := f.back.UploadReplay(
		context.Background(), f.playerA, f.match.ID.UUID(), []byte("raw"),
	); err != nil {
		t.Fatal(err)
	}

	f.applyWAL(t)

	match := fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateConflict {
		t.Fatalf("expected state Conflict, got %s", MatchStateName(match.State))
	}
	if !match.ReplayOK.Valid || match.ReplayOK.Bool {
		t.Error("expected the replay to be marked as failed")
	}
	if !match.ReplayDetail.Valid {
		t.Error("expected the verification detail to be kept for review")
	}
}

func TestUndecodableReplayEscalates(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	f.parser.err = fmt.Errorf("not a replay file")
	if err := f.back.UploadReplay(
		context.Background(), f.playerB, f.match.ID.UUID(), []byte("garbage"),
	); err != nil {
		t.Fatal(err)
	}

	f.applyWAL(t)

	match := fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateConflict {
		t.Fatalf("expected state Conflict, got %s", MatchStateName(match.State))
	}
}

func TestAbortMatch(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	if err := f.back.AbortMatch(uuid.New(), f.match.ID.UUID()); err == nil {
		t.Error("expected strangers to be unable to abort")
	}

	if err := f.back.AbortMatch(f.playerB, f.match.ID.UUID()); err != nil {
		t.Fatal(err)
	}

	f.applyWAL(t)

	match := fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateAborted {
		t.Fatalf("expected state Aborted, got %s", MatchStateName(match.State))
	}

	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeAWins); err == nil {
		t.Error("expected reports to be refused on an aborted match")
	}

	if aborted := f.notifier.byType(NotificationTypeMatchAborted); len(aborted) != 2 {
		t.Errorf("expected 2 abort notifications, got %d", len(aborted))
	}

	// Both players are free again.
	if err := f.back.Enqueue(f.playerA, []string{"terran"}, nil); err != nil {
		t.Errorf("expected queue admission after an abort: %s", err)
	}
}

func TestReportsFreezeOnceComplete(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeAWins); err != nil {
		t.Fatal(err)
	}
	if err := f.back.ReportResult(f.playerB, f.match.ID.UUID(), rating.OutcomeBWins); err != nil {
		t.Fatal(err)
	}

	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeBWins); err == nil {
		t.Error("expected a third report to be refused")
	}
}

func TestConfirmRejectsStrangersAndLateComers(t *testing.T) {
	f := createLifecycleFixture(t)

	if err := f.back.ConfirmMatch(uuid.New(), f.match.ID.UUID()); err == nil {
		t.Error("expected strangers to be unable to confirm")
	}

	f.confirmBoth(t)

	if err := f.back.ConfirmMatch(f.playerA, f.match.ID.UUID()); err == nil {
		t.Error("expected confirmation to be refused past the found state")
	}
}

func TestSettlementIsIdempotent(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeAWins); err != nil {
		t.Fatal(err)
	}
	if err := f.back.ReportResult(f.playerB, f.match.ID.UUID(), rating.OutcomeBWins); err != nil {
		t.Fatal(err)
	}

	f.parser.parsed = f.goodReplay()
	if err := f.back.UploadReplay(
		context.Background(), f.playerA, f.match.ID.UUID(), []byte("raw"),
	); err != nil {
		t.Fatal(err)
	}

	f.applyWAL(t)

	// A duplicate settlement job must not move ratings a second time.
	job, err := wal.NewJob(wal.KindMatchSettled, wal.SettledPayload{
		MatchID: f.match.ID.UUID(),
		Outcome: rating.OutcomeAWins,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.back.wal.Enqueue(job); err != nil {
		t.Fatal(err)
	}

	before := fetchRating(t, f.back, f.playerA, f.match.FactionA)
	f.applyWAL(t)
	after := fetchRating(t, f.back, f.playerA, f.match.FactionA)

	if before.Rating != after.Rating || after.GamesPlayed != 1 {
		t.Errorf("expected re-applied settlement to be a no-op, got %+v then %+v", before, after)
	}
}

func TestApplierWaitsForMatchLockWithoutHoldingTheDatabase(t *testing.T) {
	f := createLifecycleFixture(t)
	f.confirmBoth(t)

	if err := f.back.ReportResult(f.playerA, f.match.ID.UUID(), rating.OutcomeAWins); err != nil {
		t.Fatal(err)
	}
	if err := f.back.ReportResult(f.playerB, f.match.ID.UUID(), rating.OutcomeBWins); err != nil {
		t.Fatal(err)
	}

	f.parser.parsed = f.goodReplay()
	if err := f.back.UploadReplay(
		context.Background(), f.playerA, f.match.ID.UUID(), []byte("raw"),
	); err != nil {
		t.Fatal(err)
	}

	// Hold the match lock the way a concurrent lifecycle request would
	// while the pending settlement job gets applied.
	unlock := f.back.lockMatch(f.match.ID.UUID())

	applied := make(chan error, 1)
	go func() {
		applied <- f.back.wal.Apply(10)
	}()

	// The applier must park on the match lock without keeping the sole
	// database connection: writes from other goroutines have to go
	// through in the meantime.
	written := make(chan error, 1)
	go func() {
		written <- f.back.transaction(func(*sqlx.Tx) error { return nil })
	}()

	select {
	case err := <-written:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		unlock()
		t.Fatal("database writes are blocked while the applier waits for a match lock")
	}

	select {
	case <-applied:
		t.Fatal("the applier settled the match while its lock was held")
	default:
	}

	unlock()
	if err := <-applied; err != nil {
		t.Fatal(err)
	}

	match := fetchMatch(t, f.back, f.match.ID)
	if match.State != MatchStateSettled {
		t.Fatalf("expected state Settled, got %s", MatchStateName(match.State))
	}
}
