package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/logger"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "spool":
		handleSpoolCommand(ctx)
	case "migrate":
		handleMigrateCommand(ctx)
	case "version", "--version", "-v":
		fmt.Printf("mailspool-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`mailspool Admin Tool

Usage:
  mailspool-admin <command> <subcommand> [options]

Commands:
  spool     Inspect and manage spooled mail through the admin API
  migrate   Manage the postgres storage schema
  version   Show version information
  help      Show this help message

Examples:
  mailspool-admin spool list --state error
  mailspool-admin spool remove --state error --force
  mailspool-admin migrate up --config /etc/mailspool/config.toml

Use 'mailspool-admin <command> help' for more information about a command.
`)
}

// loadConfig reads the daemon configuration file. A missing default file
// yields the defaults.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			return cfg
		}
		logger.Fatalf("Failed to load configuration file '%s': %v", configPath, err)
	}
	return cfg
}
