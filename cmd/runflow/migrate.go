package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/BaSui01/runflow/approval"
	"github.com/BaSui01/runflow/internal/database"
	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/schedule"
)

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "up":
		runMigrateUp(args[1:])
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", args[0])
		printMigrateUsage()
		os.Exit(1)
	}
}

func runMigrateUp(args []string) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Driver == "memory" {
		fmt.Fprintln(os.Stderr, "Nothing to migrate: database driver is \"memory\"")
		os.Exit(1)
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}

	for name, migrate := range map[string]func() error{
		"runs":      func() error { return run.AutoMigrateRuns(db) },
		"approvals": func() error { return approval.AutoMigrateApprovals(db) },
		"schedules": func() error { return schedule.AutoMigrateSchedules(db) },
	} {
		if err := migrate(); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed (%s): %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("migrated: %s\n", name)
	}
	fmt.Println("migration complete")
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  runflow migrate <subcommand> [options]

Subcommands:
  up        Create or update all engine tables
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  runflow migrate up --config /etc/runflow/config.yaml`)
}
