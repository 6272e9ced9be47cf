// Command delight-sync is a small inspection tool for the sync client: it
// connects with the credentials from the environment, keeps the local store
// in sync, and prints session activity as it arrives.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bhandras/delight/sync/internal/config"
	"github.com/bhandras/delight/sync/internal/version"
	"github.com/bhandras/delight/sync/internal/wire"
	"github.com/bhandras/delight/sync/pkg/logger"
	"github.com/bhandras/delight/sync/sdk"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.RichVersion())
		return nil
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	if cfg.Token == "" {
		return fmt.Errorf("DELIGHT_TOKEN not set")
	}
	if len(cfg.MasterSecret) == 0 {
		return fmt.Errorf("DELIGHT_MASTER_SECRET not set")
	}
	if cfg.Debug {
		logger.Debugf("config: server=%s home=%s", cfg.ServerURL, cfg.DelightHome)
	}

	client, err := sdk.New(sdk.Config{
		ServerURL:    cfg.ServerURL,
		Token:        cfg.Token,
		MasterSecret: cfg.MasterSecret,
		ClientType:   cfg.ClientType,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnStatus(func(status sdk.Status) {
		logger.Infof("connection: %s", status)
		if status == sdk.StatusConnected {
			for _, session := range client.Sessions() {
				logger.Infof("session %s (seq %d)", session.ID, session.Seq)
			}
		}
	})
	client.OnSessionReviveFailed(func(event wire.ErrorEvent) {
		logger.Warnf("session %s revive failed: %s", event.SessionID, event.Message)
	})

	client.Connect()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Infof("shutting down")
	return nil
}
