package commands

import (
	"context"
	"database/sql"
	"errors"

	"cptracker/lib/cachestore"
	"cptracker/lib/configutil"
	"cptracker/lib/platforms"
	"cptracker/lib/tracker"
	"cptracker/lib/util/serviceutil"
	"cptracker/services/roster"
)

var errEmptyRoster = errors.New("import a roster first")

type Config struct {
	// Db is the sqlite file holding the roster and leaderboard caches.
	Db        string           `json:"db"`
	Platforms platforms.Config `json:"platforms"`
}

func readConfig() Config {
	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	if cfg.Db == "" {
		cfg.Db = "tracker.db"
	}
	return cfg
}

func openDB(cfg Config) *sql.DB {
	db, err := serviceutil.OpenDB(roster.Schema+"\n"+cachestore.Schema, cfg.Db)
	if err != nil {
		serviceutil.Fatal("failed to open db", err)
	}
	return db
}

func buildClients(cfg Config, db *sql.DB, platformNames []string) []platforms.Client {
	requested := make([]tracker.Platform, 0, len(platformNames))
	for _, name := range platformNames {
		platform, err := tracker.ParsePlatform(name)
		if err != nil {
			serviceutil.Fatal("unknown platform", err)
		}
		requested = append(requested, platform)
	}

	clients, err := platforms.Build(cfg.Platforms, cachestore.NewStore(db), requested)
	if err != nil {
		serviceutil.Fatal("failed to build platform clients", err)
	}
	return clients
}

func closeClients(clients []platforms.Client) {
	for _, client := range clients {
		client.Close()
	}
}

func loadRoster(ctx context.Context, store roster.Store) []tracker.Participant {
	participants, err := store.GetAll(ctx)
	if err != nil {
		serviceutil.Fatal("failed to load roster", err)
	}
	if len(participants) == 0 {
		serviceutil.Fatal("roster is empty", errEmptyRoster)
	}
	return participants
}
