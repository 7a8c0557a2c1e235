// Command txnsweepd runs the lost-transaction sweeper as a standalone
// daemon against badger-backed document stores.  It scans the configured
// ATR locations on an interval and resolves any attempts whose client
// never finished them.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dockv/transactions"
	"github.com/dockv/transactions/badgerstore"
)

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type sweeperConfig struct {
	DBPath          string   `toml:"db-path"`
	Locations       []string `toml:"locations"`
	CleanupWindow   duration `toml:"cleanup-window"`
	KeyValueTimeout duration `toml:"key-value-timeout"`
	NumATRs         int      `toml:"num-atrs"`
	LogLevel        string   `toml:"log-level"`
}

func defaultSweeperConfig() sweeperConfig {
	return sweeperConfig{
		DBPath:          "./txnsweepd-data",
		Locations:       []string{"default"},
		CleanupWindow:   duration{10 * time.Second},
		KeyValueTimeout: duration{2500 * time.Millisecond},
		NumATRs:         1024,
		LogLevel:        "info",
	}
}

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "txnsweepd",
		Short: "lost-transaction sweeper for dockv transaction stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the toml config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultSweeperConfig()
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
			return errors.Wrap(err, "failed to load config")
		}
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	logger.SetLevel(level)

	stores := make(map[string]*badgerstore.Store, len(cfg.Locations))
	locations := make([]transactions.LostATRLocation, 0, len(cfg.Locations))
	for _, name := range cfg.Locations {
		store, err := badgerstore.Open(name, filepath.Join(cfg.DBPath, name))
		if err != nil {
			return errors.Wrapf(err, "failed to open store %s", name)
		}
		stores[name] = store
		locations = append(locations, transactions.LostATRLocation{StoreName: name})

		logger.WithField("store", name).Info("opened store")
	}
	defer func() {
		for name, store := range stores {
			if err := store.Close(); err != nil {
				logger.WithField("store", name).WithError(err).Warn("failed to close store")
			}
		}
	}()

	mgr, err := transactions.Init(&transactions.Config{
		KeyValueTimeout:         cfg.KeyValueTimeout.Duration,
		NumATRs:                 cfg.NumATRs,
		CleanupWindow:           cfg.CleanupWindow.Duration,
		CleanupClientAttempts:   false,
		CleanupLostAttempts:     true,
		LostCleanupATRLocations: locations,
		Logger:                  logger,
		StoreProvider: func(name string) (transactions.Store, error) {
			store, ok := stores[name]
			if !ok {
				return nil, errors.Errorf("unknown store location %s", name)
			}
			return store, nil
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize transactions")
	}
	defer mgr.Close()

	logger.WithFields(logrus.Fields{
		"locations": cfg.Locations,
		"window":    cfg.CleanupWindow.Duration,
		"num_atrs":  cfg.NumATRs,
	}).Info("sweeper running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.WithField("signal", sig).Info("shutting down")

	return nil
}
