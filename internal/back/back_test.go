package back

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"nydus/internal/replay"
	"nydus/internal/util"
)

// testNotifier records every notification and can be told to fail the
// first few deliveries.
type testNotifier struct {
	mu        sync.Mutex
	failures  int
	attempted int
	sent      []*Notification
}

func (n *testNotifier) Send(notif *Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.attempted++
	if n.failures > 0 {
		n.failures--
		return fmt.Errorf("transport is down")
	}

	n.sent = append(n.sent, notif)
	return nil
}

func (n *testNotifier) byType(typ NotificationType) []*Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var ret []*Notification
	for _, notif := range n.sent {
		if notif.Type == typ {
			ret = append(ret, notif)
		}
	}

	return ret
}

// stubParser returns a canned replay without going through the worker pool.
type stubParser struct {
	parsed *replay.ParsedReplay
	err    error
}

func (p *stubParser) Parse(ctx context.Context, data []byte) (*replay.ParsedReplay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.parsed, p.err
}

func createTestBack(t *testing.T, parser ReplayParser, notifier Notifier) *Back {
	t.Helper()

	f, err := ioutil.TempFile("", "*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() {
		os.Remove(path)
	})

	migrator, err := migrate.New(
		"file://../../resources/migrations",
		"sqlite3://"+path,
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatal(err)
	}
	if errSrc, errDB := migrator.Close(); errSrc != nil || errDB != nil {
		t.Fatal(errSrc, errDB)
	}

	b, err := New("sqlite3", path, Options{
		Parser:    parser,
		Notifier:  notifier,
		MapPool:   []string{"Tokamak LE", "Abyssal Reef", "Pylon Fields"},
		ReplayDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		b.db.Close()
	})

	return b
}

// fetchMatch reads the single active match row two freshly queued players
// ended up in.
func fetchMatch(t *testing.T, b *Back, id util.UUIDAsBlob) Match {
	t.Helper()

	var match Match
	if err := b.transaction(func(tx *sqlx.Tx) (err error) {
		match, err = getMatchByID(tx, id)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	return match
}

func fetchOnlyMatch(t *testing.T, b *Back) Match {
	t.Helper()

	var matches []Match
	if err := b.transaction(func(tx *sqlx.Tx) error {
		return tx.Select(&matches, `SELECT * FROM Match`)
	}); err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(matches))
	}

	return matches[0]
}

func fetchRating(t *testing.T, b *Back, playerID uuid.UUID, faction string) PlayerRating {
	t.Helper()

	var ret PlayerRating
	if err := b.transaction(func(tx *sqlx.Tx) (err error) {
		ret, err = getPlayerRating(tx, util.UUIDAsBlobFrom(playerID), faction)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	return ret
}

func TestEnqueueDedupesAndValidates(t *testing.T) {
	b := createTestBack(t, nil, nil)
	playerID := uuid.New()

	if err := b.Enqueue(playerID, nil, nil); err == nil {
		t.Error("expected an error when queuing with no faction")
	}

	if err := b.Enqueue(playerID, []string{"terran", "terran", ""}, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(playerID, []string{"zerg"}, nil); err == nil {
		t.Error("expected an error when queuing twice")
	}

	stats, err := b.QueueStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Size != 1 {
		t.Errorf("expected queue size 1, got %d", stats.Size)
	}

	if err := b.DequeuePlayer(playerID); err != nil {
		t.Fatal(err)
	}
	if err := b.DequeuePlayer(playerID); err == nil {
		t.Error("expected an error when leaving a queue we are not in")
	}
}

func TestEnqueueRefusedDuringActiveMatch(t *testing.T) {
	b := createTestBack(t, nil, nil)
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

	if err := b.Enqueue(playerA, []string{"terran"}, nil); err == nil {
		t.Error("expected queue admission to be refused during an active match")
	}
}
