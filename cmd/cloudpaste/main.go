// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// cloudpaste runs the storage gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cloudpaste/cloudpaste/gateway"
	"github.com/cloudpaste/cloudpaste/gateway/gatewaydb"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "cloudpaste",
		Short: "CloudPaste storage gateway",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path of the yaml config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	defineFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the gateway",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmdRun(cmd)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmdMigrate(cmd)
			},
		},
		&cobra.Command{
			Use:   "setup",
			Short: "Write a commented default config file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmdSetup(cmd)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveViper layers, lowest to highest: flag defaults, the config
// file, CLOUDPASTE_* environment variables, explicit flags.
func resolveViper(cmd *cobra.Command) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, errs.Wrap(err)
	}
	vip.SetEnvPrefix("cloudpaste")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if cfgFile != "" {
		vip.SetConfigFile(cfgFile)
		vip.SetConfigType("yaml")
		if err := vip.ReadInConfig(); err != nil {
			return nil, errs.New("reading config file: %v", err)
		}
	}
	return vip, nil
}

func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, errs.New("bad log level %q: %v", logLevel, err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	return logger, errs.Wrap(err)
}

func cmdRun(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vip, err := resolveViper(cmd.Root())
	if err != nil {
		return err
	}
	config, err := loadConfig(vip)
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := gatewaydb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return err
	}

	peer, err := gateway.New(log, db, config, nil)
	if err != nil {
		return err
	}

	log.Info("gateway started", zap.String("address", config.Web.Address))
	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	return errs.Combine(runErr, closeErr)
}

func cmdMigrate(cmd *cobra.Command) error {
	ctx := context.Background()

	vip, err := resolveViper(cmd.Root())
	if err != nil {
		return err
	}
	config, err := loadConfig(vip)
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := gatewaydb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.MigrateToLatest(ctx)
}

func cmdSetup(cmd *cobra.Command) error {
	path := cfgFile
	if path == "" {
		path = "cloudpaste.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return errs.New("config file %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o600); err != nil {
		return errs.Wrap(err)
	}
	fmt.Println("wrote", path)
	return nil
}

const defaultConfigYAML = `# CloudPaste gateway configuration.
# Every key can also be set through flags (--web.address) or environment
# variables (CLOUDPASTE_WEB_ADDRESS).

database:
  # path of the sqlite database file
  path: cloudpaste.db

# passphrase deriving the key that encrypts storage config secrets
# encryption-passphrase: ""

# secret keying proxy url signatures
# sign-secret: ""

uploads:
  # part size when the client does not pick one
  default-part-size: 8388608
  # how long an upload session may stay open
  session-ttl: 24h
  # validity of pre-signed part urls
  sign-ttl: 1h
  # how long a duplicate chunk waits for the first attempt
  chunk-wait-window: 10s

quota:
  # how often usage snapshots are refreshed
  refresh-interval: 15m
  # how many storage configs are snapshotted in parallel
  max-concurrency: 4

dispatcher:
  # how often the job queue is polled for work
  poll-interval: 2s
  # how often stalled and cancel-flagged jobs are swept
  watchdog-interval: 1m
  # running jobs without a heartbeat for this long fail as stalled
  stall-after: 10m
  # how many jobs may run at once
  concurrency: 4

scheduler:
  # cron schedules; empty disables an entry
  cleanup-uploads: "@hourly"
  apply-dirty: "@every 5m"
  refresh-usage: "@every 15m"

web:
  # api server listening address
  address: ":8080"
  # bearer token granting the admin principal
  # admin-token: ""
  # grant read access to unauthenticated requests
  anonymous-read: false
  # validity of direct download and upload links
  link-ttl: 15m
  # signature lifetime minted for proxied playlist children
  proxy-ttl: 15m
  # how long directory listings are cached
  dir-cache-ttl: 30s
  dir-cache-capacity: 1000
  link-cache-capacity: 1000
  # largest playlist rewritten in flight
  playlist-max-size: 8.0 MiB
`
