// Command spectra is the fleet orchestrator's composition root: it loads
// configuration, opens the Store, wires every domain package together, and
// runs the orchestrator loop until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"spectra/internal/archive"
	"spectra/internal/forwarder"
	"spectra/internal/gateway"
	"spectra/internal/gateway/gotdgw"
	"spectra/internal/groupmgr"
	"spectra/internal/indexer"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/storage"
	"spectra/internal/invite"
	"spectra/internal/model"
	"spectra/internal/network"
	"spectra/internal/orchestrator"
	"spectra/internal/proxycycler"
	"spectra/internal/registry"
	"spectra/internal/rotator"
	"spectra/internal/scheduler"
	"spectra/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "spectra:", err)
		os.Exit(1)
	}
}

func run() error {
	envPath := os.Getenv("SPECTRA_ENV_FILE")
	if envPath == "" {
		envPath = ".env"
	}
	if err := config.Load(envPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	if env.LogFile != "" {
		logger.InitFile(env.LogFile, 50, 5, 30, env.LogLevel)
	}
	for _, w := range config.Warnings() {
		logger.Warnf("config: %s", w)
	}

	fleetPath := os.Getenv("SPECTRA_CONFIG")
	if len(os.Args) > 1 {
		fleetPath = os.Args[1]
	}
	if fleetPath == "" {
		fleetPath = env.FleetConfigFile
	}
	fleet, err := config.LoadFleet(fleetPath)
	if err != nil {
		return fmt.Errorf("load fleet config: %w", err)
	}

	tz, err := config.ParseLocation(env.AppTimezone)
	if err != nil {
		return fmt.Errorf("parse timezone: %w", err)
	}

	if err := storage.EnsureDir(filepath.Dir(env.StoreFile)); err != nil {
		return fmt.Errorf("ensure store dir: %w", err)
	}
	st, err := store.Open(env.StoreFile, tz)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	invites, err := invite.Open(env.InviteStoreFile)
	if err != nil {
		return fmt.Errorf("open invite store: %w", err)
	}
	defer invites.Close()

	reg := registry.New(st, float64(env.ThrottleRPS))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, spec := range fleet.Accounts {
		if err := reg.Register(ctx, model.Account{
			Phone:         spec.Phone,
			APIID:         spec.APIID,
			APIHash:       spec.APIHash,
			SessionHandle: spec.SessionHandle,
		}); err != nil {
			return fmt.Errorf("register account %s: %w", spec.SessionHandle, err)
		}
	}

	rot := rotator.New(reg, rotator.Mode(fleet.AccountRotationMode))

	var proxies *proxycycler.Cycler
	if fleet.Proxy.Enabled {
		proxies = proxycycler.New(fleet.Proxy.Type, fleet.Proxy.Host, fleet.Proxy.User, fleet.Proxy.Pass, fleet.Proxy.Ports)
	}

	pipeline := archive.New(st, archive.Options{
		DownloadMedia:      fleet.DownloadMedia,
		DownloadAvatars:    fleet.DownloadAvatars,
		ArchiveTopics:      fleet.ArchiveTopics,
		MediaMimeWhitelist: fleet.MediaMimeWhitelist,
		FetchBatchSize:     fleet.FetchBatchSize,
		FetchWait:          time.Duration(fleet.FetchWaitMS) * time.Millisecond,
		FetchLimit:         fleet.FetchLimit,
		MediaDir:           fleet.MediaDir,
		DownloadLogPath:    filepath.Join(fleet.MediaDir, "download_log.csv"),
	})

	sessionDir := func(handle string) string {
		return filepath.Join(env.StateDir, "sessions", handle+".session")
	}
	gm := groupmgr.New(func() gateway.TelegramGateway { return gotdgw.New() }, reg, rot, proxies, pipeline, sessionDir)
	defer gm.Close()

	if err := gm.InitFleet(ctx); err != nil {
		return fmt.Errorf("init fleet: %w", err)
	}

	idx := indexer.New(st, reg, gm)
	go func() {
		results := idx.ReindexAll(ctx)
		logger.Infof("indexer: initial reindex complete across %d accounts", len(results))
	}()

	var secondaryDest *gateway.Entity
	if fleet.Forwarding.SecondaryUniqueDestination != "" {
		secondaryDest = &gateway.Entity{Username: fleet.Forwarding.SecondaryUniqueDestination}
	}
	fwd := forwarder.New(st, gm, reg, forwarder.Options{
		ForwardToAllSavedMessages:  fleet.Forwarding.ForwardToAllSavedMessages,
		PrependOriginInfo:          fleet.Forwarding.PrependOriginInfo,
		SecondaryUniqueDestination: secondaryDest,
		EnableDeduplication:        fleet.Forwarding.EnableDeduplication,
		AttachmentsOnly:            true,
	})
	if err := fwd.SeedDedupCache(ctx, 10_000); err != nil {
		logger.Warnf("forwarder: seed dedup cache: %v", err)
	}

	analyzer := network.New(st)
	sched := scheduler.New(st, reg, rot, gm)
	orch := orchestrator.New(st, reg, gm, sched, analyzer, pipeline, fwd, fleet.Forwarding.DefaultForwardingDestination, invites, fleet.Orchestrator, fleet.Cloud)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infof("spectra: shutdown signal received")
	cancel()
	return nil
}
