package worker

import (
	"encoding/json"
	"fmt"
	"io"

	"nydus/internal/replay"
)

// Serve runs the worker side of the protocol: read requests from r, decode
// replays with dec, write responses to w. It returns on EOF (the supervisor
// closed our stdin) or on an unrecoverable stream error.
//
// This runs in a separate OS process so that a decoder crash or hang on
// hostile replay bytes never takes the engine down with it.
func Serve(r io.Reader, w io.Writer, dec replay.Decoder) error {
	in := json.NewDecoder(r)
	out := json.NewEncoder(w)

	for {
		var req request
		if err := in.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("unable to read request: %w", err)
		}

		resp := response{ID: req.ID}
		switch {
		case req.Ping:
			resp.Pong = true
		default:
			parsed, err := dec.Decode(req.Data)
			if err != nil {
				resp.Err = err.Error()
			} else {
				resp.Replay = parsed
			}
		}

		if err := out.Encode(resp); err != nil {
			return fmt.Errorf("unable to write response: %w", err)
		}
	}
}
