// Package main is the scrapper service entrypoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/config"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "scrapper: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("scrapper", flag.ContinueOnError)
	cfgPath := flags.String("config", "", "Path to config file")
	envPath := flags.String("env", ".env", "Path to an optional dotenv file")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := loadEnv(*envPath); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run app: %w", err)
	}
	return nil
}

// loadEnv applies path to the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
