package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-mirror/internal/config"
	"github.com/tbourn/go-chat-mirror/internal/repo"
	"github.com/tbourn/go-chat-mirror/internal/secret"
	"github.com/tbourn/go-chat-mirror/internal/sysutil"
)

// app is the state shared by subcommands once the root pre-run has loaded
// the configuration.
type app struct {
	cfg     config.Config
	envFile string
	dbPath  string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "mirrord",
		Short: "Live local mirror of chat servers",
		Long: `mirrord connects accounts to chat server gateways, keeps an in-memory
mirror of everything they can see and exposes it over an HTTP API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing file is ignored)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "credential database path (overrides DB_PATH)")

	root.AddCommand(newServeCmd(a), newCredentialsCmd(a))
	return root
}

func (a *app) load() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.DBPath = sysutil.FirstNonEmpty(a.dbPath, cfg.DBPath)
	a.cfg = cfg
	sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	return nil
}

// openStore opens the database, migrates it and returns the credential
// store over it.
func (a *app) openStore(tracing bool) (*gorm.DB, *repo.CredentialStore, error) {
	db, err := repo.OpenSQLite(a.cfg.DBPath, repo.Options{Tracing: tracing, Quiet: a.cfg.LogLevel != "debug"})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	box, err := secret.NewBox(a.cfg.CredentialsSecret)
	if err != nil {
		return nil, nil, err
	}
	return db, &repo.CredentialStore{DB: db, Box: box}, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}
}

// background returns the command's context, which cobra leaves nil when
// Execute is used without one.
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
