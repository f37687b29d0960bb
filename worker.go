package main

import (
	"fmt"
	"os"
	"strings"

	"nydus/internal/config"
	"nydus/internal/replay"
	"nydus/internal/worker"
)

// runWorker is the entry point of the decoder processes the serve pool
// spawns. It speaks the worker protocol on stdin/stdout until the
// supervisor closes the pipe.
func runWorker() error {
	conf, err := config.NewFromUserConfigDir()
	if err != nil {
		return err
	}

	if conf.DecoderCommand == "" {
		return fmt.Errorf("no replay decoder command configured")
	}

	dec := replay.CommandDecoder{
		Command: strings.Fields(conf.DecoderCommand),
	}

	return worker.Serve(os.Stdin, os.Stdout, dec)
}
