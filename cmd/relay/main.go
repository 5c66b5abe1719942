package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zulandar/anonrelay/internal/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "relay.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Anonymous relay bot",
		Long: "Relay forwards end-user messages to a single administrator without the sender's\n" +
			"identity and routes the administrator's threaded replies back to the right user.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newDialogsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadConfig reads an optional .env file into the environment, then loads
// the YAML config so ${VAR} references can resolve from it.
func loadConfig(path string) (*config.Config, error) {
	_ = godotenv.Load(".env")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
