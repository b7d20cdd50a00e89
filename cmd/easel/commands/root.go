package commands

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/easelhq/easel/internal/printer"
	"github.com/easelhq/easel/pkg/canvas"
)

var (
	version string
	commit  string
	date    string

	instanceName string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "easel",
	Short: "Easel - versioned canvas store for generated images",
	Long: `Easel manages versioned image canvases: every generation, evolution
and deletion is an immutable version row with complete provenance.

The CLI talks straight to the Redis store. Point it at an instance with
--name (or EASEL_INSTANCE_NAME) and REDIS_URL.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&instanceName, "name", "n", "", "Target instance name (defaults to EASEL_INSTANCE_NAME)")
}

// openStore resolves the instance name and Redis URL and connects.
func openStore() (*canvas.Store, error) {
	name := instanceName
	if name == "" {
		name = os.Getenv("EASEL_INSTANCE_NAME")
	}
	if name == "" {
		return nil, printer.Error(
			"no instance name",
			"Easel needs to know which instance's keys to read.",
			[]string{
				"Pass --name <instance>",
				"Set EASEL_INSTANCE_NAME",
			},
		)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	return canvas.NewStore(opts, name)
}
