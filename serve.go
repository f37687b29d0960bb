package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"nydus/internal/back"
	"nydus/internal/bot"
	"nydus/internal/config"
	"nydus/internal/web"
	"nydus/internal/worker"
)

func serve() error {
	conf, err := config.NewFromUserConfigDir()
	if err != nil {
		return err
	}

	if err := migrateDatabase(conf.Database); err != nil {
		return err
	}

	pool := worker.NewPool(conf.WorkerCount, []string{os.Args[0], "worker"})
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Stop()

	var notifier back.Notifier
	var discordBot *bot.Bot
	if conf.DiscordToken != "" {
		directory, err := discordDirectory(conf.DiscordUsers)
		if err != nil {
			return err
		}

		discordBot, err = bot.New(conf.DiscordToken, directory)
		if err != nil {
			return err
		}
		notifier = discordBot
	} else {
		log.Print("warning: no Discord token, notifications will be logged and dropped")
	}

	profile, err := back.ProfileByName(conf.Profile)
	if err != nil {
		return err
	}

	b, err := back.New("sqlite3", conf.Database, back.Options{
		Parser:    pool,
		Notifier:  notifier,
		Profile:   profile,
		MapPool:   conf.MapPool,
		ReplayDir: conf.ReplayDir,
	})
	if err != nil {
		return err
	}

	server := web.NewServer(b, pool, conf.ListenAddr)

	done := make(chan struct{})
	signaled := make(chan os.Signal, 1)
	signal.Notify(signaled, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	go b.Run(&wg, done)
	go server.Serve(&wg, done)
	if discordBot != nil {
		go discordBot.Serve(&wg, done)
	}

	sig := <-signaled
	log.Printf("received signal %d", sig)

	close(done)
	wg.Wait()
	log.Print("shutdown complete")

	return nil
}

func discordDirectory(users map[string]string) (map[uuid.UUID]string, error) {
	directory := make(map[uuid.UUID]string, len(users))
	for playerID, discordID := range users {
		id, err := uuid.Parse(playerID)
		if err != nil {
			return nil, fmt.Errorf("bad player ID %q in DiscordUsers: %w", playerID, err)
		}
		directory[id] = discordID
	}

	return directory, nil
}
