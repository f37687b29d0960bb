package wal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v4"

	"nydus/internal/rating"
	"nydus/internal/util"
)

type Kind int

const ( // this is stored in DB, don't change values
	KindMatchSettled  Kind = 1
	KindMatchAborted  Kind = 2
	KindMatchConflict Kind = 3
)

func KindName(kind Kind) string {
	switch kind {
	case KindMatchSettled:
		return "MatchSettled"
	case KindMatchAborted:
		return "MatchAborted"
	case KindMatchConflict:
		return "MatchConflict"
	default:
		return "invalid"
	}
}

type Status int

const ( // this is stored in DB, don't change values
	StatusPending   Status = 0
	StatusCompleted Status = 1
	StatusFailed    Status = 2
)

// Job is one durable state mutation. It is inserted PENDING, applied by the
// log owner in FIFO order, and only ever mutated by the log itself.
type Job struct {
	ID          util.UUIDAsBlob
	Kind        Kind
	Payload     []byte
	Status      Status
	CreatedAt   util.TimeAsTimestamp
	CompletedAt util.NullTimeAsTimestamp
	RetryCount  int
	LastError   null.String
}

// SettledPayload settles a match: recompute both ratings from the pre-match
// snapshots stored on the match row and persist them.
type SettledPayload struct {
	MatchID uuid.UUID      `json:"match_id"`
	Outcome rating.Outcome `json:"outcome"`
}

// AbortedPayload voids a match before settlement.
type AbortedPayload struct {
	MatchID     uuid.UUID `json:"match_id"`
	RequestedBy uuid.UUID `json:"requested_by"`
}

// ConflictPayload freezes a match for manual review.
type ConflictPayload struct {
	MatchID uuid.UUID `json:"match_id"`
	Detail  string    `json:"detail"`
}

// NewJob builds a pending job, validating that the payload matches the kind.
// The payload set is a closed union: anything else is a programming error
// and is rejected here rather than at apply time.
func NewJob(kind Kind, payload interface{}) (Job, error) {
	var matchID uuid.UUID
	switch p := payload.(type) {
	case SettledPayload:
		if kind != KindMatchSettled {
			return Job{}, fmt.Errorf("kind %s cannot carry a settlement payload", KindName(kind))
		}
		if !p.Outcome.IsValid() {
			return Job{}, fmt.Errorf("invalid outcome %d in settlement payload", p.Outcome)
		}
		matchID = p.MatchID
	case AbortedPayload:
		if kind != KindMatchAborted {
			return Job{}, fmt.Errorf("kind %s cannot carry an abort payload", KindName(kind))
		}
		matchID = p.MatchID
	case ConflictPayload:
		if kind != KindMatchConflict {
			return Job{}, fmt.Errorf("kind %s cannot carry a conflict payload", KindName(kind))
		}
		matchID = p.MatchID
	default:
		return Job{}, fmt.Errorf("unknown payload type %T", payload)
	}

	if matchID == uuid.Nil {
		return Job{}, fmt.Errorf("%s job without a match ID", KindName(kind))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("unable to serialize %s payload: %w", KindName(kind), err)
	}

	return Job{
		ID:        util.NewUUIDAsBlob(),
		Kind:      kind,
		Payload:   raw,
		Status:    StatusPending,
		CreatedAt: util.TimeAsTimestamp(time.Now()),
	}, nil
}

// DecodePayload returns the typed payload for the job kind.
func (j Job) DecodePayload() (interface{}, error) {
	var payload interface{}

	switch j.Kind {
	case KindMatchSettled:
		var p SettledPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, err
		}
		payload = p
	case KindMatchAborted:
		var p AbortedPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, err
		}
		payload = p
	case KindMatchConflict:
		var p ConflictPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, err
		}
		payload = p
	default:
		return nil, fmt.Errorf("unknown job kind %d", j.Kind)
	}

	return payload, nil
}

// MatchID extracts the match a job belongs to without fully decoding it.
func (j Job) MatchID() (uuid.UUID, error) {
	var probe struct {
		MatchID uuid.UUID `json:"match_id"`
	}
	if err := json.Unmarshal(j.Payload, &probe); err != nil {
		return uuid.Nil, err
	}

	return probe.MatchID, nil
}
