package main

// verify_schema/main.go
//
// Checks that an existing database file carries every table and late column the execution core
// expects. It never migrates; run the core once to upgrade.
//
//   go run ./scripts/verify_schema [path]   (default: DB_PATH or ./data/execution.db)

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/logging"
)

var expected = map[string][]string{
	"vault_config":  {"initialized", "verifier"},
	"profiles":      {"name", "environment", "public_key", "encrypted_secret", "iv", "salt", "iterations"},
	"settings":      {"key", "value"},
	"audit_entries": {"type", "payload", "created_at"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logging.Setup("info", true)

	path := cfg.DBPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if _, err := os.Stat(path); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("database file")
	}
	database, err := db.New(path)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()

	missing := 0
	for table, cols := range expected {
		var name string
		err := database.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			log.Error().Str("table", table).Msg("table MISSING")
			missing++
			continue
		}
		for _, col := range cols {
			ok, err := database.HasColumn(table, col)
			if err != nil {
				log.Fatal().Err(err).Str("table", table).Msg("inspect columns")
			}
			if !ok {
				log.Error().Str("table", table).Str("column", col).Msg("column MISSING")
				missing++
			}
		}
	}
	if missing > 0 {
		fmt.Printf("%s: %d problem(s)\n", path, missing)
		os.Exit(1)
	}
	fmt.Printf("%s: schema OK\n", path)
}
