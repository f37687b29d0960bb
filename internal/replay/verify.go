package replay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultStartTolerance is how far a replay's start time may drift from the
// recorded match start before the timestamp check fails.
const DefaultStartTolerance = 20 * time.Minute

// MatchRecord is the authoritative subset of a match the checks compare the
// replay against.
type MatchRecord struct {
	Factions [2]string
	Map      string
	PlayedAt time.Time
}

type Check struct {
	OK     bool
	Detail string
}

// Verification is the outcome of the four independent checks. All four must
// pass for a match to settle automatically; any failure routes it to manual
// review instead.
type Verification struct {
	Races     Check
	Map       Check
	Timestamp Check
	Observers Check

	// MinuteDiff is the signed difference in minutes between the replay
	// start and the recorded match start.
	MinuteDiff int
}

func (v Verification) AllOK() bool {
	return v.Races.OK && v.Map.OK && v.Timestamp.OK && v.Observers.OK
}

func (v Verification) String() string {
	parts := make([]string, 0, 4)
	for _, c := range []struct {
		name  string
		check Check
	}{
		{"races", v.Races},
		{"map", v.Map},
		{"timestamp", v.Timestamp},
		{"observers", v.Observers},
	} {
		if c.check.OK {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", c.name, c.check.Detail))
	}

	if len(parts) == 0 {
		return "all checks passed"
	}

	return strings.Join(parts, "; ")
}

// Verify cross-checks a parsed replay against the match record.
func Verify(m MatchRecord, r ParsedReplay, tolerance time.Duration) Verification {
	ret := Verification{
		Races:     verifyRaces(m.Factions, r.Races),
		Map:       verifyMap(m.Map, r.MapName),
		Observers: verifyObservers(r.Observers),
	}
	ret.Timestamp, ret.MinuteDiff = verifyTimestamp(
		m.PlayedAt, r.StartedAt, r.DurationSeconds, tolerance,
	)

	return ret
}

// verifyRaces compares the set of races, not the seat assignment: decoders
// do not agree with the queue on which player sits where.
func verifyRaces(recorded [2]string, played []string) Check {
	if len(played) != 2 {
		return Check{Detail: fmt.Sprintf("expected 2 races in replay, got %d", len(played))}
	}

	want := []string{recorded[0], recorded[1]}
	got := []string{played[0], played[1]}
	sort.Strings(want)
	sort.Strings(got)

	if want[0] != got[0] || want[1] != got[1] {
		return Check{Detail: fmt.Sprintf(
			"match was %s vs %s but replay has %s vs %s",
			recorded[0], recorded[1], played[0], played[1],
		)}
	}

	return Check{OK: true}
}

func verifyMap(recorded, played string) Check {
	if recorded != played {
		return Check{Detail: fmt.Sprintf(
			"match was on %q but replay is on %q", recorded, played,
		)}
	}

	return Check{OK: true}
}

// verifyTimestamp accepts a replay starting within tolerance of the recorded
// start. The replay's own duration widens the early side of the window: a
// long game that started slightly early is still plausible.
func verifyTimestamp(playedAt, startedAt time.Time, durationSeconds int, tolerance time.Duration) (Check, int) {
	diff := startedAt.Sub(playedAt)
	minutes := int(diff.Round(time.Minute) / time.Minute)

	early := -(tolerance + time.Duration(durationSeconds)*time.Second)
	if diff < early || diff > tolerance {
		return Check{Detail: fmt.Sprintf(
			"replay started %d minute(s) away from the recorded match start",
			minutes,
		)}, minutes
	}

	return Check{OK: true}, minutes
}

// verifyObservers enforces the zero-observer policy. The decoder hands us
// either a native list or a JSON string depending on its version, normalize
// before checking emptiness.
func verifyObservers(observers interface{}) Check {
	names, err := normalizeObservers(observers)
	if err != nil {
		return Check{Detail: err.Error()}
	}

	if len(names) > 0 {
		return Check{Detail: fmt.Sprintf(
			"%d observer(s) present: %s", len(names), strings.Join(names, ", "),
		)}
	}

	return Check{OK: true}
}

func normalizeObservers(observers interface{}) ([]string, error) {
	switch v := observers.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			names = append(names, fmt.Sprint(item))
		}
		return names, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		var names []string
		if err := json.Unmarshal([]byte(v), &names); err != nil {
			return nil, fmt.Errorf("unable to parse observer list %q: %w", v, err)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("unexpected observer list type %T", observers)
	}
}
