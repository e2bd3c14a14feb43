package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample livechat.toml",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "livechat.toml",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("output")
					if err := config.InitConfig(path); err != nil {
						return fmt.Errorf("failed to write sample config: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "Wrote sample configuration to %s\n", path)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check the merged file and environment configuration and print the effective settings",
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadConfig(c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					if err := config.Validate(cfg); err != nil {
						return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 1)
					}
					fmt.Fprintln(c.App.Writer, "Configuration is valid")
					printSettings(c.App.Writer, describeConfig(cfg))
					return nil
				},
			},
		},
	}
}

// setting is one line of the effective configuration report
type setting struct {
	Key   string
	Value string
}

// settingsSection groups the report lines of one configuration table
type settingsSection struct {
	Name     string
	Settings []setting
}

// describeConfig renders the effective configuration with secrets masked
func describeConfig(cfg *config.Config) []settingsSection {
	secret := "not set"
	if cfg.Auth.JWTSecret != "" {
		secret = maskSecret(cfg.Auth.JWTSecret)
	}
	issuer := cfg.Auth.Issuer
	if issuer == "" {
		issuer = "any"
	}

	database := []setting{{"driver", cfg.Database.Driver}}
	if cfg.Database.Driver == config.DriverPostgres {
		database = append(database,
			setting{"url", redactDatabaseURL(cfg.Database.URL)},
			setting{"pool", fmt.Sprintf("%d open, %d idle, %s lifetime", cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)},
			setting{"statement timeout", cfg.Database.StatementTimeout.String()},
		)
	}

	rt := cfg.Realtime
	return []settingsSection{
		{"server", []setting{
			{"port", strconv.Itoa(cfg.Server.Port)},
			{"allowed origins", strings.Join(cfg.Server.AllowedOrigins, ", ")},
			{"shutdown timeout", cfg.Server.ShutdownTimeout.String()},
		}},
		{"database", database},
		{"auth", []setting{
			{"jwt secret", secret},
			{"issuer", issuer},
			{"leeway", cfg.Auth.Leeway.String()},
		}},
		{"chat", []setting{
			{"max content", fmt.Sprintf("%d characters", cfg.Chat.MaxContentLength)},
			{"send timeout", cfg.Chat.SendTimeout.String()},
		}},
		{"realtime", []setting{
			{"read timeout", rt.ReadTimeout.String()},
			{"ping period", rt.PingPeriod.String()},
			{"write wait", rt.WriteWait.String()},
			{"send buffer", fmt.Sprintf("%d frames", rt.SendBuffer)},
			{"rate limit", fmt.Sprintf("%g/s, burst %d", rt.EventsPerSecond, rt.EventBurst)},
			{"max frame", fmt.Sprintf("%d bytes", rt.MaxFrameBytes)},
		}},
		{"log", []setting{
			{"level", cfg.Log.Level},
			{"pretty", strconv.FormatBool(cfg.Log.Pretty)},
		}},
	}
}

func printSettings(w io.Writer, sections []settingsSection) {
	for _, section := range sections {
		fmt.Fprintf(w, "[%s]\n", section.Name)
		for _, s := range section.Settings {
			fmt.Fprintf(w, "  %-18s %s\n", s.Key+":", s.Value)
		}
	}
}

// redactDatabaseURL hides the password of URL style DSNs and masks anything else
func redactDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return maskSecret(raw)
	}
	return u.Redacted()
}
