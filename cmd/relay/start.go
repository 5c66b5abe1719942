package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/anonrelay/internal/config"
	"github.com/zulandar/anonrelay/internal/db"
	"github.com/zulandar/anonrelay/internal/relay"
	discordadapter "github.com/zulandar/anonrelay/internal/relay/discord"
	slackadapter "github.com/zulandar/anonrelay/internal/relay/slack"
	telegramadapter "github.com/zulandar/anonrelay/internal/relay/telegram"
	"github.com/zulandar/anonrelay/internal/server"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay daemon",
		Long:  "Connects to the configured chat platform and relays messages between users and the administrator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	routes := relay.NewRoutingTable()
	var metrics *relay.Metrics
	if cfg.Metrics.Enabled {
		metrics = relay.NewMetrics(routes)
		store, err := relay.NewDialogStore(relay.DialogStoreOpts{DB: gormDB})
		if err != nil {
			return err
		}
		go func() {
			err := server.Start(ctx, server.StartOpts{
				Store:   store,
				Metrics: metrics,
				Listen:  cfg.Metrics.Listen,
				Out:     out,
			})
			if err != nil {
				log.Printf("relay: operator server: %v", err)
			}
		}()
	}

	daemon, err := relay.NewDaemon(relay.DaemonOpts{
		DB:      gormDB,
		Config:  cfg,
		Adapter: adapter,
		Routes:  routes,
		Metrics: metrics,
		Out:     out,
	})
	if err != nil {
		return err
	}
	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (relay.Adapter, error) {
	switch cfg.Platform {
	case config.PlatformTelegram:
		return telegramadapter.New(telegramadapter.AdapterOpts{
			BotToken: cfg.Telegram.BotToken,
		})
	case config.PlatformDiscord:
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Discord.BotToken,
		})
	case config.PlatformSlack:
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
	default:
		return nil, fmt.Errorf("relay: unsupported platform %q", cfg.Platform)
	}
}
