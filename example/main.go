// Command example runs the update agent: it checks the server for new
// firmware and content at startup, activates the device when asked, and
// then sends the status heartbeat until it is stopped.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	ota "github.com/st-keller/ota-client"
	"github.com/st-keller/ota-client/activation"
	"github.com/st-keller/ota-client/clock"
	"github.com/st-keller/ota-client/config"
	"github.com/st-keller/ota-client/contentsync"
	"github.com/st-keller/ota-client/firmware"
	"github.com/st-keller/ota-client/settings"
	"github.com/st-keller/ota-client/standard"
	"github.com/st-keller/ota-client/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string
	var once bool

	flagSet := pflag.NewFlagSet("ota-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv(config.EnvConfigFile), "path to the YAML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.BoolVar(&once, "once", false, "exit after provisioning instead of sending the heartbeat")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if logLevel != "" {
		os.Setenv(config.EnvLogLevel, logLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	logs := standard.NewRecentLogs(cfg.Log.Recent, logger)
	tracker := standard.NewConnectivityTracker(clock.Real())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.SettingsFile), 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	store, err := settings.OpenFile(cfg.SettingsFile)
	if err != nil {
		return err
	}
	id, err := standard.LoadIdentity(store, standard.IdentityOptions{
		MAC:          cfg.Device.MAC,
		SerialNumber: cfg.Device.SerialNumber,
		SerialFile:   cfg.Device.SerialFile,
	})
	if err != nil {
		return err
	}

	httpClient, err := transport.BuildHTTP2Client(cfg.TLSFiles(), cfg.Server.RequestTimeout)
	if err != nil {
		return err
	}
	t := transport.NewHTTP(httpClient)

	banks, err := firmware.OpenDirStore(cfg.Firmware.Dir)
	if err != nil {
		return err
	}
	upgrader := firmware.NewUpgrader(t, banks,
		firmware.WithCurrentVersion(cfg.Firmware.Version),
		firmware.WithChunkSize(cfg.Firmware.ChunkSize),
		firmware.WithProgressInterval(cfg.Firmware.ProgressInterval),
		firmware.WithLogs(logs),
		firmware.WithConnectivity(tracker),
		firmware.WithProgressCallback(func(p firmware.Progress) {
			logs.Info("Firmware download", map[string]any{"percent": p.Percent, "bytes_per_second": p.BytesPerSecond})
		}),
	)

	queue := contentsync.New(t, contentsync.OSFS{},
		contentsync.WithBufferSize(cfg.Content.BufferSize),
		contentsync.WithTaskGap(cfg.Content.TaskGap),
		contentsync.WithLogs(logs),
		contentsync.WithConnectivity(tracker),
	)
	defer queue.Close()

	opts := []ota.Option{
		ota.WithLogs(logs),
		ota.WithConnectivity(tracker),
		ota.WithContentSink(queue),
		ota.WithSystemInfo(func() *standard.SystemInfo {
			app := standard.ApplicationInfo{Name: cfg.Device.ApplicationName, Version: cfg.Firmware.Version}
			board := standard.BoardInfo{Type: cfg.Device.BoardType, Name: cfg.Device.BoardName}
			return standard.AutoDetect(id, app, board, cfg.Device.Language, banks.Running().Label())
		}),
	}
	if cfg.SetClock {
		opts = append(opts, ota.WithTimeSetter(ota.TimeSetterFunc(clock.SetSystemTime)))
	}
	if len(cfg.Certificates) > 0 {
		opts = append(opts, ota.WithCertificates(standard.NewCertificateMonitor(clock.Real(), cfg.Certificates)))
	}
	signer, err := loadSigner(cfg, id)
	if err != nil {
		return err
	}
	if signer != nil {
		opts = append(opts, ota.WithSigner(signer))
	}

	client, err := ota.New(cfg.Client(), t, store, id, opts...)
	if err != nil {
		return err
	}
	defer client.Wait()

	provisioner := ota.NewProvisioner(client, ota.ProvisionerConfig{
		Logs:      logs,
		Upgrade:   upgrader.Upgrade,
		MarkValid: banks.MarkValid,
		OnState: func(change ota.StateChange) {
			logs.Debug("Provisioning state", map[string]any{"state": change.State.String(), "attempt": change.Attempt})
		},
		OnActivationCode: func(code, message string) {
			logs.Info("Activation required", map[string]any{"code": code, "message": message})
		},
	})

	logs.Info("Update agent started", map[string]any{
		"version": cfg.Firmware.Version,
		"bank":    banks.Running().Label(),
		"uuid":    id.UUID,
	})

	outcome, err := provisioner.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if outcome.Upgraded {
		logs.Info("Firmware installed, restarting into the new image", map[string]any{"version": outcome.Manifest.Firmware.Version})
		return nil
	}
	if once {
		return queue.Wait(ctx)
	}

	reporter := ota.NewReporter(client, store, ota.ReporterConfig{Period: cfg.Status.Period, Logs: logs})
	logs.SetTriggerFunc(reporter.Trigger)
	if err := reporter.Start(ctx); err != nil {
		return err
	}
	defer reporter.Stop()

	<-ctx.Done()
	logs.Info("Update agent stopping", nil)
	return nil
}

// loadSigner derives the activation key from the factory secret. Devices
// without a secret or serial number send unsigned activation payloads.
func loadSigner(cfg *config.Config, id standard.Identity) (activation.Signer, error) {
	if cfg.Device.SecretFile == "" || !id.HasSerialNumber() {
		return nil, nil
	}
	secret, err := activation.LoadSecret(cfg.Device.SecretFile)
	if err != nil {
		return nil, err
	}
	key, err := activation.DeriveKey(secret, id.SerialNumber)
	if err != nil {
		return nil, err
	}
	signer, err := activation.NewHMACSigner(key)
	if err != nil {
		return nil, err
	}
	return signer, nil
}
