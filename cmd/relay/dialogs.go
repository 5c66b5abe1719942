package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zulandar/anonrelay/internal/db"
	"github.com/zulandar/anonrelay/internal/relay"
)

func newDialogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dialogs",
		Short: "Inspect stored dialogs",
		Long:  "Renders the administrator's console views in the terminal.",
	}

	cmd.AddCommand(newDialogsListCmd())
	cmd.AddCommand(newDialogsShowCmd())
	return cmd
}

func newDialogsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active dialogs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDialogsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	return cmd
}

func newDialogsShowCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "show <dialog-id>",
		Short: "Show a dialog's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid dialog id %q", args[0])
			}
			return runDialogsShow(cmd, configPath, uint(id), limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages to show (default: console.history_limit)")
	return cmd
}

// openConsole loads config and builds a Console over the configured store.
func openConsole(configPath string, historyLimit int) (*relay.Console, *relay.DialogStore, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, err
	}
	store, err := relay.NewDialogStore(relay.DialogStoreOpts{DB: gormDB})
	if err != nil {
		return nil, nil, err
	}
	if historyLimit <= 0 {
		historyLimit = cfg.Console.HistoryLimit
	}
	console, err := relay.NewConsole(relay.ConsoleOpts{
		Store:        store,
		Platform:     cfg.Platform,
		ListButtons:  cfg.Console.ListButtons,
		HistoryLimit: historyLimit,
		PreviewLimit: cfg.Console.PreviewLimit,
		PreviewChars: cfg.Console.PreviewChars,
		ChunkSize:    cfg.Console.ChunkSize,
	})
	if err != nil {
		return nil, nil, err
	}
	return console, store, nil
}

func runDialogsList(cmd *cobra.Command, configPath string) error {
	console, _, err := openConsole(configPath, 0)
	if err != nil {
		return err
	}
	msg, err := console.DialogList(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg.Text)
	return nil
}

func runDialogsShow(cmd *cobra.Command, configPath string, dialogID uint, limit int) error {
	console, store, err := openConsole(configPath, limit)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if _, err := store.GetDialog(ctx, dialogID); err != nil {
		return err
	}
	chunks, err := console.History(ctx, dialogID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, chunk := range chunks {
		fmt.Fprint(out, chunk.Text)
	}
	fmt.Fprintln(out)
	return nil
}
