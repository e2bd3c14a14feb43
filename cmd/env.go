package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/config"
)

// ConfigCheckResult holds the result of environment validation
type ConfigCheckResult struct {
	Missing  []string          // Required variables that are missing
	Present  map[string]string // Variables that are set (masked values)
	Warnings []string          // Non-fatal warnings
}

// CheckRequiredConfig validates that the variables a production server needs are set
func CheckRequiredConfig() *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	driver := os.Getenv(config.EnvPrefix + "DATABASE__DRIVER")
	requiredVars := []string{"JWT_SECRET"}
	if driver != config.DriverMemory {
		requiredVars = append(requiredVars, "DATABASE_URL")
	} else {
		result.Warnings = append(result.Warnings, "in-memory store selected; messages are not persisted")
	}

	for _, v := range requiredVars {
		val := os.Getenv(v)
		if val == "" {
			result.Missing = append(result.Missing, v)
		} else {
			result.Present[v] = maskSecret(val)
		}
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" && len(secret) < 16 {
		result.Warnings = append(result.Warnings, "JWT_SECRET is shorter than 16 characters")
	}

	if port := os.Getenv("PORT"); port != "" {
		result.Present["PORT"] = port
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required variables:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Println("✓ Configured variables:")
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	if err := godotenv.Overload(filename); err != nil {
		return fmt.Errorf("failed to load %s: %w", filename, err)
	}
	return nil
}

// EnvCommand returns the command that reports on required environment variables
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Inspect the environment the server will run with",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Check that required environment variables are set",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "file",
						Usage: "Load variables from `FILE` first, overriding the current environment",
					},
				},
				Action: func(c *cli.Context) error {
					if file := c.String("file"); file != "" {
						if err := LoadEnvFile(file); err != nil {
							return err
						}
					}
					result := CheckRequiredConfig()
					PrintConfigCheck(result)
					if len(result.Missing) > 0 {
						return cli.Exit("missing required configuration", 1)
					}
					return nil
				},
			},
		},
	}
}
