// Package back is the matchmaking and match-lifecycle engine of the ladder:
// it owns the wait queue, pairs players under a fairness profile, walks each
// match from found to settled, and funnels every durable transition through
// the write-ahead log.
package back

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"nydus/internal/replay"
	"nydus/internal/util"
	"nydus/internal/wal"
)

const (
	defaultWaveInterval = 10 * time.Second
	walApplyBatchSize   = 32
	walAuditWindow      = 7 * 24 * time.Hour
	walGCInterval       = time.Hour
)

// ReplayParser turns raw replay bytes into the decoder's flattened record,
// off the main path. The worker pool implements it in production.
type ReplayParser interface {
	Parse(ctx context.Context, data []byte) (*replay.ParsedReplay, error)
}

// Options wires the engine's collaborators explicitly. No globals: whoever
// builds the Back owns the lifecycle of everything in here.
type Options struct {
	Parser   ReplayParser
	Notifier Notifier
	Profile  Profile
	MapPool  []string

	// ReplayDir is where uploaded replay files are kept; empty means the
	// OS temp dir.
	ReplayDir string

	// StartTolerance is the allowed drift between a replay's start time
	// and the recorded match start.
	StartTolerance time.Duration

	WaveInterval time.Duration
}

type Back struct {
	db  *sqlx.DB
	wal *wal.Log

	parser     ReplayParser
	dispatcher *dispatcher
	queue      *waitQueue

	profile      Profile
	mapPool      []string
	replayDir    string
	tolerance    time.Duration
	waveInterval time.Duration

	matchLocksMu sync.Mutex
	matchLocks   map[uuid.UUID]*sync.Mutex

	verifyMu     sync.Mutex
	verifyCancel map[uuid.UUID]context.CancelFunc
}

func New(sqlDriver, sqlDSN string, opts Options) (*Back, error) {
	// A single greppable string across all the source code beats any
	// conversion scheme.
	sqlx.NameMapper = func(v string) string { return v }

	db, err := sqlx.Connect(sqlDriver, sqlDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if opts.Profile.Name == "" {
		opts.Profile = BalancedProfile()
	}
	if opts.StartTolerance == 0 {
		opts.StartTolerance = replay.DefaultStartTolerance
	}
	if opts.WaveInterval == 0 {
		opts.WaveInterval = defaultWaveInterval
	}

	b := &Back{
		db:           db,
		parser:       opts.Parser,
		queue:        newWaitQueue(),
		profile:      opts.Profile,
		mapPool:      opts.MapPool,
		replayDir:    opts.ReplayDir,
		tolerance:    opts.StartTolerance,
		waveInterval: opts.WaveInterval,
		matchLocks:   map[uuid.UUID]*sync.Mutex{},
		verifyCancel: map[uuid.UUID]context.CancelFunc{},
	}
	b.wal = wal.New(db)
	b.dispatcher = newDispatcher(opts.Notifier)
	b.registerWriteJobHandlers()

	return b, nil
}

// WAL exposes the write pipeline for status endpoints and tooling.
func (b *Back) WAL() *wal.Log {
	return b.wal
}

// Run drives the whole engine from one cooperative loop: matching waves,
// WAL application, notification retries and WAL garbage collection all run
// on this single goroutine, which is what serializes wave execution.
func (b *Back) Run(wg *sync.WaitGroup, done <-chan struct{}) {
	wg.Add(1)
	defer wg.Done()
	log.Print("info: starting Back dæmon")

	lastWave := time.Time{}
	lastGC := time.Now()

	for {
		if err := b.wal.Apply(walApplyBatchSize); err != nil {
			log.Printf("error: wal.Apply: %s", err)
		}

		b.dispatcher.retryDue(time.Now())

		if time.Since(lastWave) >= b.waveInterval {
			lastWave = time.Now()
			if err := b.runWave(); err != nil {
				log.Printf("error: runWave: %s", err)
			}
		}

		if time.Since(lastGC) >= walGCInterval {
			lastGC = time.Now()
			if removed, err := b.wal.GC(walAuditWindow); err != nil {
				log.Printf("error: wal.GC: %s", err)
			} else if removed > 0 {
				log.Printf("info: collected %d old WriteJob", removed)
			}
		}

		select {
		case <-time.After(time.Second):
		case <-done:
			return
		}
	}
}

func (b *Back) transaction(cb util.TransactionCallback) error {
	return util.Transaction(context.Background(), b.db, cb)
}

// lockMatch serializes state transitions per match: player reports, replay
// verification, abort and the WriteJob applier can all race on the same row.
// Callers take this lock before touching the database, never the other way
// around.
func (b *Back) lockMatch(id uuid.UUID) func() {
	b.matchLocksMu.Lock()
	l, ok := b.matchLocks[id]
	if !ok {
		l = &sync.Mutex{}
		b.matchLocks[id] = l
	}
	b.matchLocksMu.Unlock()

	l.Lock()
	return l.Unlock
}
