package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/config"
	"github.com/livechat/internal/database"
)

// MigrateCommand returns the command that applies the database schema
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the chat schema to the configured Postgres database",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "print",
				Usage: "Print the schema instead of applying it",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("print") {
				fmt.Print(database.Schema())
				return nil
			}

			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url (or DATABASE_URL) is required to migrate")
			}

			if err := database.MigrateWithRetry(c.Context, cfg.Database.URL, database.ConnectRetryConfig()); err != nil {
				return err
			}
			log.Info().Msg("Database schema applied")
			return nil
		},
	}
}
