package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/allgood/pigeonhole/cache"
)

func handleCache(args []string) error {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Usage = func() {
		fmt.Printf(`Inspect the local program cache

Usage:
  sievec cache [-config file] stats|purge|sync
`)
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return exitError(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	capacity, err := cfg.LocalCache.GetCapacity()
	if err != nil {
		return err
	}
	maxObject, err := cfg.LocalCache.GetMaxObjectSize()
	if err != nil {
		return err
	}
	purge, err := cfg.LocalCache.GetPurgeInterval()
	if err != nil {
		return err
	}
	c, err := cache.New(cfg.LocalCache.Path, capacity, maxObject, purge)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	switch fs.Arg(0) {
	case "stats":
	case "purge":
		if err := c.PurgeAll(ctx); err != nil {
			return err
		}
	case "sync":
		if err := c.SyncFromDisk(ctx); err != nil {
			return err
		}
	default:
		fs.Usage()
		return exitError(2)
	}
	objects, size, err := c.GetStats()
	if err != nil {
		return err
	}
	fmt.Printf("path: %s\nprograms: %d\nsize: %d bytes (capacity %d)\n", cfg.LocalCache.Path, objects, size, capacity)
	return nil
}
