// Package wal is the durable write pipeline of the ladder: every state
// transition that changes durable truth is enqueued as a Job, committed to
// SQLite before the caller considers it applied, and replayed on restart.
package wal

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gopkg.in/guregu/null.v4"

	"nydus/internal/util"
)

// DefaultMaxRetries bounds handler retries before a job is marked failed
// and surfaced.
const DefaultMaxRetries = 3

// Handler applies one decoded job inside the transaction that will also mark
// it completed. Handlers must be idempotent against already-applied state:
// the matching durable row is the source of truth, not the job.
type Handler func(tx *sqlx.Tx, job Job, payload interface{}) error

type Log struct {
	db         *sqlx.DB
	maxRetries int
	handlers   map[Kind]Handler
	guard      func(Job) func()
}

func New(db *sqlx.DB) *Log {
	return &Log{
		db:         db,
		maxRetries: DefaultMaxRetries,
		handlers:   map[Kind]Handler{},
	}
}

// Handle registers the handler for a job kind. Not safe to call once Apply
// is running.
func (l *Log) Handle(kind Kind, h Handler) {
	l.handlers[kind] = h
}

// Guard registers a hook invoked before a job's transaction opens, the
// returned func releases whatever it acquired once the job has been dealt
// with. The engine uses it to take its per-match lock ahead of the
// transaction, keeping the lock order identical to the request path: match
// lock first, database connection second. Not safe to call once Apply is
// running.
func (l *Log) Guard(fn func(Job) func()) {
	l.guard = fn
}

// Enqueue stores a job in its own committed transaction: when it returns
// without error the job is durable and will survive a crash.
func (l *Log) Enqueue(job Job) (uuid.UUID, error) {
	if err := util.Transaction(context.Background(), l.db, func(tx *sqlx.Tx) error {
		return l.EnqueueTx(tx, job)
	}); err != nil {
		return uuid.Nil, err
	}

	return job.ID.UUID(), nil
}

// EnqueueTx stores a job as part of a caller-owned transaction, tying its
// durability to the caller's commit.
func (l *Log) EnqueueTx(tx *sqlx.Tx, job Job) error {
	query, args, err := squirrel.Insert("WriteJob").SetMap(squirrel.Eq{
		"ID":          job.ID,
		"Kind":        job.Kind,
		"Payload":     job.Payload,
		"Status":      job.Status,
		"CreatedAt":   job.CreatedAt,
		"CompletedAt": job.CompletedAt,
		"RetryCount":  job.RetryCount,
		"LastError":   job.LastError,
	}).ToSql()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("unable to enqueue %s job: %w", KindName(job.Kind), err)
	}

	return nil
}

// DequeuePending returns pending jobs oldest first. After a restart this is
// everything that was enqueued but not yet applied.
func (l *Log) DequeuePending(limit int) ([]Job, error) {
	var ret []Job
	query := `
        SELECT * FROM WriteJob
        WHERE WriteJob.Status = ?
        ORDER BY WriteJob.CreatedAt ASC, WriteJob.rowid ASC
        LIMIT ?`

	if err := l.db.Select(&ret, query, StatusPending, limit); err != nil {
		return nil, err
	}

	return ret, nil
}

func (l *Log) MarkCompleted(id util.UUIDAsBlob) error {
	return util.Transaction(context.Background(), l.db, func(tx *sqlx.Tx) error {
		return markCompletedTx(tx, id)
	})
}

func markCompletedTx(tx *sqlx.Tx, id util.UUIDAsBlob) error {
	query, args, err := squirrel.Update("WriteJob").SetMap(squirrel.Eq{
		"Status":      StatusCompleted,
		"CompletedAt": util.NewNullTimeAsTimestamp(time.Now()),
	}).Where(squirrel.Eq{"WriteJob.ID": id}).ToSql()
	if err != nil {
		return err
	}

	_, err = tx.Exec(query, args...)
	return err
}

func (l *Log) MarkFailed(id util.UUIDAsBlob, reason string) error {
	return util.Transaction(context.Background(), l.db, func(tx *sqlx.Tx) error {
		query, args, err := squirrel.Update("WriteJob").SetMap(squirrel.Eq{
			"Status":      StatusFailed,
			"CompletedAt": util.NewNullTimeAsTimestamp(time.Now()),
			"LastError":   null.StringFrom(reason),
		}).Where(squirrel.Eq{"WriteJob.ID": id}).ToSql()
		if err != nil {
			return err
		}

		_, err = tx.Exec(query, args...)
		return err
	})
}

// IncrementRetry bumps the retry counter and returns the new count.
func (l *Log) IncrementRetry(id util.UUIDAsBlob, reason string) (int, error) {
	var count int
	if err := util.Transaction(context.Background(), l.db, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(
			`UPDATE WriteJob SET RetryCount = RetryCount + 1, LastError = ? WHERE ID = ?`,
			null.StringFrom(reason), id,
		); err != nil {
			return err
		}

		return tx.Get(&count, `SELECT RetryCount FROM WriteJob WHERE ID = ?`, id)
	}); err != nil {
		return 0, err
	}

	return count, nil
}

// Stats returns job counts by status.
func (l *Log) Stats() (map[Status]int, error) {
	rows := []struct {
		Status Status
		Count  int
	}{}
	if err := l.db.Select(&rows,
		`SELECT Status AS "Status", COUNT(*) AS "Count" FROM WriteJob GROUP BY Status`,
	); err != nil {
		return nil, err
	}

	ret := make(map[Status]int, len(rows))
	for _, v := range rows {
		ret[v.Status] = v.Count
	}

	return ret, nil
}

// GC deletes completed and failed jobs past the audit window and returns how
// many were removed. Pending jobs are never collected.
func (l *Log) GC(auditWindow time.Duration) (int64, error) {
	cutoff := util.TimeAsTimestamp(time.Now().Add(-auditWindow))

	res, err := l.db.Exec(`
        DELETE FROM WriteJob
        WHERE Status IN (?, ?) AND CreatedAt < ?`,
		StatusCompleted, StatusFailed, cutoff,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// Apply drains up to limit pending jobs in FIFO order. A job whose payload
// does not deserialize is failed immediately; a job whose handler errors is
// retried up to the bounded count then failed. Handler and completion mark
// share one transaction so a crash replays the job instead of losing it.
func (l *Log) Apply(limit int) error {
	jobs, err := l.DequeuePending(limit)
	if err != nil {
		return fmt.Errorf("unable to dequeue pending jobs: %w", err)
	}

	errs := make([]error, 0, len(jobs))
	for _, job := range jobs {
		if err := l.applyOne(job); err != nil {
			errs = append(errs, err)
		}
	}

	return util.ConcatErrors(errs)
}

func (l *Log) applyOne(job Job) error {
	handler, ok := l.handlers[job.Kind]
	if !ok {
		log.Printf("error: no handler for WriteJob kind %d", job.Kind)
		return l.MarkFailed(job.ID, fmt.Sprintf("no handler for kind %d", job.Kind))
	}

	payload, err := job.DecodePayload()
	if err != nil {
		log.Printf("error: WriteJob %s has an unreadable payload: %s", job.ID, err)
		return l.MarkFailed(job.ID, fmt.Sprintf("payload deserialization: %s", err))
	}

	if l.guard != nil {
		defer l.guard(job)()
	}

	err = util.Transaction(context.Background(), l.db, func(tx *sqlx.Tx) error {
		if err := handler(tx, job, payload); err != nil {
			return err
		}

		return markCompletedTx(tx, job.ID)
	})
	if err == nil {
		return nil
	}

	count, retryErr := l.IncrementRetry(job.ID, err.Error())
	if retryErr != nil {
		return fmt.Errorf("unable to record retry: %s (original error: %w)", retryErr, err)
	}

	if count >= l.maxRetries {
		log.Printf(
			"error: WriteJob %s (%s) failed after %d attempts: %s",
			job.ID, KindName(job.Kind), count, err,
		)
		return l.MarkFailed(job.ID, err.Error())
	}

	log.Printf("warning: WriteJob %s (%s) failed, will retry: %s", job.ID, KindName(job.Kind), err)
	return nil
}
