package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/anonrelay/internal/config"
	"github.com/zulandar/anonrelay/internal/db"
	"golang.org/x/term"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the relay database",
		Long:  "Creates the MySQL database when needed and migrates the dialogs and messages tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.Database.Driver == config.DriverMySQL {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready on %s:%d\n", cfg.Database.Name, cfg.Database.Host, cfg.Database.Port)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nRelay database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-create the relay tables",
		Long: `Drops the dialogs and messages tables and migrates them again.

Every dialog and its history is lost, and dialog IDs start over.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if !skipConfirm {
		if !stdinIsTerminal() {
			return fmt.Errorf("refusing to reset without a terminal; pass --yes to confirm")
		}
		if !confirmReset(cmd, describeDatabase(cfg.Database)) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Reset(gormDB); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nRelay database reset successfully.")
	return nil
}

// stdinIsTerminal reports whether the prompt can be answered. Allows test override.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func describeDatabase(cfg config.DatabaseConfig) string {
	if cfg.Driver == config.DriverMySQL {
		return fmt.Sprintf("%s on %s:%d", cfg.Name, cfg.Host, cfg.Port)
	}
	return cfg.Path
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all dialogs in %s.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
