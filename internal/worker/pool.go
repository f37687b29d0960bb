// Package worker supervises a fixed pool of OS processes dedicated to
// CPU-bound parsing of untrusted replay files. Processes, not goroutines:
// a crash or hang inside the decoder must stay contained, and killing a
// process is the only reliable way out of a hang.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"nydus/internal/replay"
)

const (
	DefaultPingTimeout = 2 * time.Second
	DefaultPingCap     = 30 * time.Second
	DefaultJobTimeout  = 2 * time.Minute
	defaultMaxRetries  = 2
)

var errWorkerTimeout = fmt.Errorf("worker did not answer in time")

// Pool owns the worker processes. Submissions are round-robined; a timeout
// or I/O failure is read as "worker unhealthy" and tears the whole pool down
// for a respawn, the job itself is retried a bounded number of times.
type Pool struct {
	command []string
	size    int

	pingTimeout time.Duration
	pingCap     time.Duration
	jobTimeout  time.Duration
	maxRetries  int

	mu       sync.Mutex
	procs    []*proc
	next     int
	inflight map[string]time.Time
}

func NewPool(size int, command []string) *Pool {
	if size < 1 {
		size = 1
	}

	return &Pool{
		command:     command,
		size:        size,
		pingTimeout: DefaultPingTimeout,
		pingCap:     DefaultPingCap,
		jobTimeout:  DefaultJobTimeout,
		maxRetries:  defaultMaxRetries,
		inflight:    map[string]time.Time{},
	}
}

// Start spawns the worker processes. It must be called before Parse.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Pool) startLocked() error {
	procs := make([]*proc, 0, p.size)
	for i := 0; i < p.size; i++ {
		proc, err := spawn(p.command)
		if err != nil {
			for _, v := range procs {
				v.kill()
			}
			return fmt.Errorf("unable to spawn worker: %w", err)
		}
		procs = append(procs, proc)
	}

	p.procs = procs
	p.next = 0
	log.Printf("info: started %d replay worker(s)", len(procs))

	return nil
}

func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.procs {
		v.kill()
	}
	p.procs = nil
}

// restart tears the pool down and spawns a fresh one.
func (p *Pool) restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	log.Print("warning: restarting replay worker pool")
	for _, v := range p.procs {
		v.kill()
	}

	return p.startLocked()
}

func (p *Pool) pick() (*proc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.procs) == 0 {
		return nil, fmt.Errorf("worker pool is not running")
	}

	proc := p.procs[p.next%len(p.procs)]
	p.next++

	return proc, nil
}

func (p *Pool) trackStart(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight[id] = time.Now()
}

func (p *Pool) trackEnd(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// adaptivePingTimeout widens the health check window while legitimate work
// is running: a worker chewing on a big replay is slow, not hung. The cap
// is the point where we stop giving it the benefit of the doubt.
func (p *Pool) adaptivePingTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	timeout := p.pingTimeout
	for _, startedAt := range p.inflight {
		if candidate := p.pingTimeout + time.Since(startedAt); candidate > timeout {
			timeout = candidate
		}
	}

	if timeout > p.pingCap {
		timeout = p.pingCap
	}

	return timeout
}

// healthyProc picks the next worker and pings it before handing it out, so
// the health verdict covers the exact process the job will go to. Pings
// happen on demand right before work is submitted, never on a timer, an
// idle pool costs nothing. A failed ping tears the pool down and respawns
// it once before giving up.
func (p *Pool) healthyProc(ctx context.Context) (*proc, error) {
	proc, err := p.pick()
	if err != nil {
		return nil, err
	}
	if err := p.ping(ctx, proc, p.adaptivePingTimeout()); err == nil {
		return proc, nil
	}

	if err := p.restart(); err != nil {
		return nil, err
	}

	proc, err = p.pick()
	if err != nil {
		return nil, err
	}
	if err := p.ping(ctx, proc, p.pingTimeout); err != nil {
		return nil, fmt.Errorf("worker pool unhealthy after respawn: %w", err)
	}

	return proc, nil
}

func (p *Pool) ping(ctx context.Context, proc *proc, timeout time.Duration) error {
	resp, err := proc.roundTrip(ctx, request{ID: uuid.New().String(), Ping: true}, timeout)
	if err != nil {
		return err
	}
	if !resp.Pong {
		return fmt.Errorf("worker answered the ping with garbage")
	}

	return nil
}

// Parse decodes raw replay bytes in a worker process. A worker failure is
// retried against a respawned pool a bounded number of times; a decoder
// rejection is final, hostile bytes don't get better on retry.
func (p *Pool) Parse(ctx context.Context, data []byte) (*replay.ParsedReplay, error) {
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		proc, err := p.healthyProc(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		req := request{ID: uuid.New().String(), Data: data}
		p.trackStart(req.ID)
		resp, err := proc.roundTrip(ctx, req, p.jobTimeout)
		p.trackEnd(req.ID)

		if err != nil {
			// Timeout or broken pipe: the worker is unhealthy, not the
			// job. Respawn and retry.
			log.Printf("warning: replay worker failed (attempt %d): %s", attempt+1, err)
			lastErr = err
			if err := p.restart(); err != nil {
				return nil, err
			}
			continue
		}

		if resp.Err != "" {
			return nil, fmt.Errorf("replay decoder: %s", resp.Err)
		}
		if resp.Replay == nil {
			return nil, fmt.Errorf("worker returned neither a replay nor an error")
		}

		return resp.Replay, nil
	}

	return nil, fmt.Errorf("replay parsing failed after %d attempt(s): %w", p.maxRetries+1, lastErr)
}

// Health is a point-in-time snapshot for the status API.
type Health struct {
	Running  int `json:"running"`
	InFlight int `json:"in_flight"`
}

func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Running:  len(p.procs),
		InFlight: len(p.inflight),
	}
}

// proc is one worker process plus its stdin/stdout codec. A single request
// is in flight per proc at a time.
type proc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

func spawn(command []string) (*proc, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no worker command configured")
	}

	cmd := exec.Command(command[0], command[1:]...) // nolint:gosec
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &proc{
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		dec:   json.NewDecoder(stdout),
	}, nil
}

func (w *proc) kill() {
	w.stdin.Close()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill() // nolint:errcheck
	}
	w.cmd.Wait() // nolint:errcheck
}

func (w *proc) roundTrip(ctx context.Context, req request, timeout time.Duration) (response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	type result struct {
		resp response
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		if err := w.enc.Encode(req); err != nil {
			ch <- result{err: err}
			return
		}

		for {
			var resp response
			if err := w.dec.Decode(&resp); err != nil {
				ch <- result{err: err}
				return
			}
			if resp.ID == req.ID {
				ch <- result{resp: resp}
				return
			}
			// Answer to a request we already gave up on, drop it.
		}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-time.After(timeout):
		return response{}, errWorkerTimeout
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}
