// Command sievec compiles, inspects and runs Sieve scripts, and manages the
// script database used by sieved.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/logger"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "check":
		err = handleCheck(args)
	case "compile":
		err = handleCompile(args)
	case "dump":
		err = handleDump(args)
	case "run":
		err = handleRun(args)
	case "migrate":
		err = handleMigrate(args)
	case "scripts":
		err = handleScripts(args)
	case "cache":
		err = handleCache(args)
	case "version":
		fmt.Printf("sievec version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintf(os.Stderr, "sievec %s: %v\n", command, err)
		os.Exit(1)
	}
}

// exitError ends the process with a status after output was already written.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func printUsage() {
	fmt.Printf(`Sieve compiler

Usage:
  sievec <command> [options]

Commands:
  check     Check scripts for errors
  compile   Compile a script to a binary program
  dump      Disassemble a script or binary program
  run       Run a script against a message
  migrate   Apply or roll back database migrations (up, down, version)
  scripts   Manage stored account scripts (list, put, activate, delete)
  cache     Inspect or purge the local program cache (stats, purge)
  version   Show version information
  help      Show this help message

Examples:
  sievec check filter.sieve
  sievec compile -o filter.svbin filter.sieve
  sievec dump filter.svbin
  sievec run -from alice@example.com -to bob@example.org filter.sieve message.eml
  sievec migrate -config /etc/sieved/config.toml up
  sievec scripts put -account 42 -name main filter.sieve

Use 'sievec <command> -h' for more information about a command.
`)
}

// loadConfig reads the configuration file if present. Only the sections a
// command uses are validated by that command.
func loadConfig(path string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || path != "config.toml" {
			return cfg, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if _, err := logger.Initialize(config.LoggingConfig{Output: "stderr", Format: "console", Level: cfg.Logging.Level}); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "config.toml", "Path to TOML configuration file")
}
