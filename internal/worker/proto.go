package worker

import "nydus/internal/replay"

// request and response are the whole contract between the supervisor and a
// worker process: newline-delimited JSON over stdin/stdout, raw bytes in,
// structured record or typed error out. No code crosses the boundary.
type request struct {
	ID   string `json:"id"`
	Ping bool   `json:"ping,omitempty"`
	Data []byte `json:"data,omitempty"`
}

type response struct {
	ID     string               `json:"id"`
	Pong   bool                 `json:"pong,omitempty"`
	Replay *replay.ParsedReplay `json:"replay,omitempty"`
	Err    string               `json:"err,omitempty"`
}
