package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// Version holds the build-time version string.
var Version = "unknown" // nolint:gochecknoglobals

func main() {
	flag.Parse()

	var err error
	switch flag.Arg(0) {
	case "version":
		fmt.Fprintf(os.Stdout, "Nydus %s\n", Version)
	case "serve":
		err = serve()
	case "worker":
		err = runWorker()
	case "migrate":
		err = runMigrations()
	case "dev:fixtures":
		err = loadFixtures()
	case "help":
		fmt.Fprint(os.Stdout, help())
	default:
		fmt.Fprint(os.Stderr, help())
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("error: %s", err)
	}
}

func help() string {
	return fmt.Sprintf(`
Nydus runs a competitive 1v1 ladder: matchmaking, match lifecycle,
ratings, and replay verification.

Usage: %[1]s COMMAND [ARGS…]

COMMANDS
    dev:fixtures create default data for quick testing during development
    help         display this help
    migrate      apply pending database migrations
    serve        run the matchmaker, the HTTP API, and the Discord notifier
    version      display the current version
    worker       run a replay decoder worker (spawned by serve)
`,
		os.Args[0],
	)
}
