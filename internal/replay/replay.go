// Package replay holds the decoder output the engine consumes and the
// verification checks run against the authoritative match record.
//
// The engine never parses replay bytes itself: decoding is done by an
// external tool running inside a worker process, and only its flattened
// result crosses back into the core.
package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"time"
)

// ParsedReplay is the opaque, already-flattened record produced by the
// decoder. Observers is either a native string list or a JSON-serialized
// one, depending on the decoder version.
type ParsedReplay struct {
	Races           []string    `json:"races"`
	MapName         string      `json:"map_name"`
	StartedAt       time.Time   `json:"started_at"`
	DurationSeconds int         `json:"duration_seconds"`
	Observers       interface{} `json:"observers"`
}

// Decoder produces a ParsedReplay from raw, untrusted replay bytes.
type Decoder interface {
	Decode(data []byte) (*ParsedReplay, error)
}

// CommandDecoder shells out to an external decoder binary which receives the
// replay path as its last argument and prints a JSON ParsedReplay on stdout.
type CommandDecoder struct {
	Command []string
}

func (d CommandDecoder) Decode(data []byte) (*ParsedReplay, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("no decoder command configured")
	}

	f, err := ioutil.TempFile("", "nydus-replay-*.SC2Replay")
	if err != nil {
		return nil, fmt.Errorf("unable to write replay to disk: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write replay to disk: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	args := append(append([]string{}, d.Command[1:]...), path)
	cmd := exec.Command(d.Command[0], args...) // nolint:gosec

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decoder failed: %s (stderr: %s)", err, stderr.String())
	}

	var ret ParsedReplay
	if err := json.Unmarshal(stdout.Bytes(), &ret); err != nil {
		return nil, fmt.Errorf("unable to parse decoder output: %w", err)
	}

	return &ret, nil
}
