package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/livechat/cmd"
	"github.com/livechat/internal/config"
	"github.com/livechat/internal/logging"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "livechat",
		Usage:   "Real-time direct messaging server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "livechat.toml",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.MigrateCommand(),
			cmd.ConfigCommand(),
			cmd.EnvCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// setup loads a .env file when one exists and configures logging
func setup(c *cli.Context) error {
	if wd, err := os.Getwd(); err == nil {
		if path, err := config.FindEnvFile(wd); err == nil {
			// variables already in the environment win over the file
			if err := godotenv.Load(path); err != nil {
				return fmt.Errorf("failed to load %s: %w", path, err)
			}
		}
	}

	level, pretty := "info", false
	if cfg, err := config.LoadConfig(c.String("config")); err == nil {
		level, pretty = cfg.Log.Level, cfg.Log.Pretty
	}
	if err := logging.Setup(level, pretty); err != nil {
		return err
	}
	log.Debug().Str("version", version).Msg("livechat starting")
	return nil
}
