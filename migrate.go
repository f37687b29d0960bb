package main

import (
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"nydus/internal/config"
)

func runMigrations() error {
	conf, err := config.NewFromUserConfigDir()
	if err != nil {
		return err
	}

	return migrateDatabase(conf.Database)
}

func migrateDatabase(path string) error {
	migrator, err := migrate.New(
		"file://resources/migrations",
		"sqlite3://"+path,
	)
	if err != nil {
		return err
	}

	if err := migrator.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Print("debug: database is up to date")
		} else {
			return err
		}
	}

	errSrc, errDB := migrator.Close()
	if errSrc != nil {
		return errSrc
	}

	return errDB
}
