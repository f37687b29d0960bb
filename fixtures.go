package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"nydus/internal/config"
	"nydus/internal/rating"
	"nydus/internal/util"
)

// loadFixtures seeds a handful of rated players so the queue has something
// to match against during development.
func loadFixtures() error {
	conf, err := config.NewFromUserConfigDir()
	if err != nil {
		return err
	}
	if err := migrateDatabase(conf.Database); err != nil {
		return err
	}

	db, err := sqlx.Connect("sqlite3", conf.Database)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)

	players := []struct {
		faction string
		rating  float64
		games   int
	}{
		{"terran", rating.BaseRating, 0},
		{"terran", 1420, 25},
		{"zerg", 1510, 40},
		{"zerg", 1580, 12},
		{"protoss", 1655, 80},
		{"protoss", 1350, 8},
	}

	now := time.Now()

	return util.Transaction(context.Background(), db, func(tx *sqlx.Tx) error {
		for _, p := range players {
			id := util.NewUUIDAsBlob()

			query, args, err := squirrel.Insert("PlayerRating").SetMap(squirrel.Eq{
				"PlayerID":    id,
				"Faction":     p.faction,
				"CreatedAt":   util.TimeAsTimestamp(now),
				"Rating":      p.rating,
				"Deviation":   rating.BaseDeviation,
				"GamesPlayed": p.games,
				"GamesWon":    p.games / 2,
				"GamesLost":   p.games / 2,
				"GamesDrawn":  p.games % 2,
				"LastPlayed":  util.NewNullTimeAsTimestamp(now),
			}).ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(query, args...); err != nil {
				return err
			}

			fmt.Printf("%s  %-8s %.0f\n", id, p.faction, p.rating)
		}

		return nil
	})
}
