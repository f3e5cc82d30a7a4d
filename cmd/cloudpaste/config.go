// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package main

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"storj.io/common/memory"

	"github.com/cloudpaste/cloudpaste/gateway"
)

// defineFlags declares every configuration knob on the flag set. Viper
// layers config file values and CLOUDPASTE_* environment variables
// under the flags.
func defineFlags(flags *pflag.FlagSet) {
	flags.String("database.path", "cloudpaste.db", "path of the sqlite database file")

	flags.String("encryption-passphrase", "", "passphrase deriving the key that encrypts storage config secrets")
	flags.String("sign-secret", "", "secret keying proxy url signatures")

	flags.Int64("uploads.default-part-size", 8<<20, "part size when the client does not pick one")
	flags.Duration("uploads.session-ttl", 24*time.Hour, "how long an upload session may stay open")
	flags.Duration("uploads.sign-ttl", time.Hour, "validity of pre-signed part urls")
	flags.Duration("uploads.chunk-wait-window", 10*time.Second, "how long a duplicate chunk waits for the first attempt")

	flags.Duration("quota.refresh-interval", 15*time.Minute, "how often usage snapshots are refreshed")
	flags.Int("quota.max-concurrency", 4, "how many storage configs are snapshotted in parallel")

	flags.Duration("dispatcher.poll-interval", 2*time.Second, "how often the job queue is polled for work")
	flags.Duration("dispatcher.watchdog-interval", time.Minute, "how often stalled and cancel-flagged jobs are swept")
	flags.Duration("dispatcher.stall-after", 10*time.Minute, "running jobs without a heartbeat for this long fail as stalled")
	flags.Int("dispatcher.concurrency", 4, "how many jobs may run at once")

	flags.String("scheduler.cleanup-uploads", "@hourly", "cron schedule for upload session cleanup")
	flags.String("scheduler.apply-dirty", "@every 5m", "cron schedule for draining the index dirty queue")
	flags.String("scheduler.refresh-usage", "@every 15m", "cron schedule for usage snapshot refresh")

	flags.String("web.address", ":8080", "api server listening address")
	flags.String("web.admin-token", "", "bearer token granting the admin principal")
	flags.Bool("web.anonymous-read", false, "grant read access to unauthenticated requests")
	flags.Duration("web.link-ttl", 15*time.Minute, "validity of direct download and upload links")
	flags.Duration("web.proxy-ttl", 15*time.Minute, "signature lifetime minted for proxied playlist children")
	flags.Duration("web.dir-cache-ttl", 30*time.Second, "how long directory listings are cached")
	flags.Int("web.dir-cache-capacity", 1000, "directory listing cache capacity")
	flags.Int("web.link-cache-capacity", 1000, "signed url cache capacity")
	flags.String("web.playlist-max-size", "8.0 MiB", "largest playlist rewritten in flight")
}

// loadConfig materialises the process configuration from the resolved
// viper state.
func loadConfig(vip *viper.Viper) (gateway.Config, error) {
	var config gateway.Config

	config.Database.Path = vip.GetString("database.path")

	config.EncryptionPassphrase = vip.GetString("encryption-passphrase")
	config.SignSecret = vip.GetString("sign-secret")

	config.Uploads.DefaultPartSize = vip.GetInt64("uploads.default-part-size")
	config.Uploads.SessionTTL = vip.GetDuration("uploads.session-ttl")
	config.Uploads.SignTTL = vip.GetDuration("uploads.sign-ttl")
	config.Uploads.ChunkWaitWindow = vip.GetDuration("uploads.chunk-wait-window")

	config.Quota.RefreshInterval = vip.GetDuration("quota.refresh-interval")
	config.Quota.MaxConcurrency = vip.GetInt("quota.max-concurrency")

	config.Dispatcher.PollInterval = vip.GetDuration("dispatcher.poll-interval")
	config.Dispatcher.WatchdogInterval = vip.GetDuration("dispatcher.watchdog-interval")
	config.Dispatcher.StallAfter = vip.GetDuration("dispatcher.stall-after")
	config.Dispatcher.Concurrency = vip.GetInt("dispatcher.concurrency")

	config.Scheduler.CleanupUploadsSchedule = vip.GetString("scheduler.cleanup-uploads")
	config.Scheduler.ApplyDirtySchedule = vip.GetString("scheduler.apply-dirty")
	config.Scheduler.RefreshUsageSchedule = vip.GetString("scheduler.refresh-usage")

	config.Web.Address = vip.GetString("web.address")
	config.Web.AdminToken = vip.GetString("web.admin-token")
	config.Web.AnonymousRead = vip.GetBool("web.anonymous-read")
	config.Web.LinkTTL = vip.GetDuration("web.link-ttl")
	config.Web.ProxyTTL = vip.GetDuration("web.proxy-ttl")
	config.Web.DirCacheTTL = vip.GetDuration("web.dir-cache-ttl")
	config.Web.DirCacheCapacity = vip.GetInt("web.dir-cache-capacity")
	config.Web.LinkCacheCapacity = vip.GetInt("web.link-cache-capacity")

	var playlistMax memory.Size
	if raw := vip.GetString("web.playlist-max-size"); raw != "" {
		if err := playlistMax.Set(raw); err != nil {
			return config, errs.New("bad web.playlist-max-size: %v", err)
		}
	}
	config.Web.PlaylistMaxSize = playlistMax

	return config, nil
}
