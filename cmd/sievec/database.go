package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/db"
	"github.com/allgood/pigeonhole/server/sieveengine"
)

func databaseConfig(path string) (*config.DatabaseConfig, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Write == nil || len(cfg.Database.Write.Hosts) == 0 {
		return nil, errors.New("database.write: at least one host is required")
	}
	return &cfg.Database, nil
}

func handleMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Usage = func() {
		fmt.Printf(`Apply database migrations

Usage:
  sievec migrate [-config file] up|down|version

  up       Apply all pending migrations
  down     Roll back the most recent migration
  version  Print the current schema version
`)
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return exitError(2)
	}

	dbCfg, err := databaseConfig(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch fs.Arg(0) {
	case "up":
		err = db.Migrate(ctx, dbCfg, db.MigrateUp)
	case "down":
		err = db.Migrate(ctx, dbCfg, db.MigrateDown)
	case "version":
		var status db.MigrationStatus
		if status, err = db.MigrationVersion(ctx, dbCfg); err == nil {
			fmt.Printf("schema version: %s\n", status)
			return nil
		}
	default:
		fs.Usage()
		return exitError(2)
	}
	if err != nil {
		return err
	}
	status, err := db.MigrationVersion(ctx, dbCfg)
	if err != nil {
		return err
	}
	fmt.Printf("schema version: %s\n", status)
	return nil
}

func handleScripts(args []string) error {
	fs := flag.NewFlagSet("scripts", flag.ExitOnError)
	configPath := configFlag(fs)
	account := fs.Int64("account", 0, "Account id (required)")
	name := fs.String("name", "", "Script name")
	inactive := fs.Bool("inactive", false, "With put: store without activating")
	fs.Usage = func() {
		fmt.Printf(`Manage stored account scripts

Usage:
  sievec scripts -account id list
  sievec scripts -account id [-name name] [-inactive] put file
  sievec scripts -account id -name name activate
  sievec scripts -account id deactivate
  sievec scripts -account id -name name delete
`)
	}
	fs.Parse(args)
	if fs.NArg() < 1 || *account <= 0 {
		fs.Usage()
		return exitError(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.Database.AutoMigrate = false
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	switch fs.Arg(0) {
	case "list":
		scripts, err := database.GetUserScripts(ctx, *account)
		if err != nil {
			return err
		}
		printScripts(os.Stdout, scripts)
		return nil
	case "put":
		if fs.NArg() != 2 {
			fs.Usage()
			return exitError(2)
		}
		src, err := os.ReadFile(fs.Arg(1))
		if err != nil {
			return err
		}
		engine, err := sieveengine.New(cfg.Sieve)
		if err != nil {
			return err
		}
		if ok, err := checkFiles(engine, []string{fs.Arg(1)}, os.Stderr); err != nil {
			return err
		} else if !ok {
			return exitError(1)
		}
		scriptName := *name
		if scriptName == "" {
			scriptName = "default"
		}
		stored, err := database.PutScript(ctx, *account, scriptName, string(src), !*inactive)
		if err != nil {
			return err
		}
		fmt.Printf("stored script %q (id %d, active %t)\n", stored.Name, stored.ID, stored.Active)
		return nil
	case "activate":
		if *name == "" {
			return errors.New("-name is required")
		}
		return database.SetActiveScript(ctx, *account, *name)
	case "deactivate":
		return database.SetActiveScript(ctx, *account, "")
	case "delete":
		if *name == "" {
			return errors.New("-name is required")
		}
		return database.DeleteScript(ctx, *account, *name)
	}
	fs.Usage()
	return exitError(2)
}

func printScripts(w io.Writer, scripts []*db.SieveScript) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tSIZE\tUPDATED")
	for _, s := range scripts {
		active := ""
		if s.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", s.ID, s.Name, active, len(s.Script), s.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}
