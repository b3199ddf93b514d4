// Runflow service entry point: the orchestration engine with health and
// Prometheus metrics endpoints.
//
// Usage:
//
//	runflow serve                      # start the engine
//	runflow serve --config config.yaml # with a config file
//	runflow migrate up                 # create/update database tables
//	runflow version                    # show version information
package main

import (
	"fmt"
	"os"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("runflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`runflow - run orchestration engine

Usage:
  runflow <command> [options]

Commands:
  serve     Start the engine
  migrate   Database migration commands
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --addr <addr>     Health/metrics listen address (default :8080)

Migration subcommands:
  migrate up        Create or update all engine tables

Examples:
  runflow serve
  runflow serve --config /etc/runflow/config.yaml
  runflow migrate up --config /etc/runflow/config.yaml
  runflow version`)
}
