// Command snag-viewer receives capture streams from producers on the local network
// and prints every exchange and log event it gets.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tfkr-ae/snag/capture"
	"github.com/tfkr-ae/snag/config"
	"github.com/tfkr-ae/snag/db"
	"github.com/tfkr-ae/snag/discovery/zeroconf"
	"github.com/tfkr-ae/snag/identity"
	"github.com/tfkr-ae/snag/logger"
	"github.com/tfkr-ae/snag/viewer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.Flags("snag-viewer")
	flags.Int("port", config.DefaultPort, "port to listen on, 0 picks a free one")
	flags.Bool("no-discovery", false, "do not advertise the viewer")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load("", flags)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Output: cfg.LogOutput}); err != nil {
		return fmt.Errorf("initialising logger : %w", err)
	}
	log := logger.WithComponent("viewer")

	project, err := identity.LoadProject(cfg.ProjectName, cfg.ProjectIcon)
	if err != nil {
		return err
	}
	port, _ := flags.GetInt("port")
	noDiscovery, _ := flags.GetBool("no-discovery")

	options := []viewer.Option{
		viewer.WithLogger(log),
		viewer.WithListenAddress(cfg.ListenAddress, port),
		viewer.WithHandshakeTimeout(cfg.HandshakeTimeout),
		viewer.WithRecordHandler(printRecord),
		viewer.WithPeerHandler(func(event viewer.PeerEvent) {
			log.Info().
				Str("device", event.Peer.Device.Name).
				Str("project", event.Peer.Project.Name).
				Bool("connected", event.Connected).
				Str("reason", event.Reason).
				Msg("peer")
		}),
	}
	if !noDiscovery {
		options = append(options, viewer.WithDiscovery(zeroconf.New(0, logger.WithComponent("zeroconf")), cfg.NetServiceType))
	}
	if cfg.TLS {
		tlsConfig, err := serverTLS()
		if err != nil {
			return err
		}
		options = append(options, viewer.WithTLS(tlsConfig))
	}
	if cfg.DatabasePath != "" {
		repo, err := db.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer repo.Close()
		options = append(options, viewer.WithRepository(repo))
	}

	v, err := viewer.New(identity.HostDevice(), project, options...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := v.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return v.Close()
}

func printRecord(received viewer.Received) {
	log := logger.GetLogger()
	if record := received.Record; record.Log != nil {
		log.Info().
			Str("device_id", received.Origin.DeviceID).
			Str("level", record.Log.Level).
			Str("tag", record.Log.Tag).
			Msg(record.Log.Message)
		return
	}

	overview := received.Inspection.Overview
	event := log.Info()
	if body := received.Inspection.ResponseBody; body != nil {
		event = event.Stringer("kind", body.Kind())
	}
	event.
		Str("device_id", received.Origin.DeviceID).
		Str("method", overview.Method).
		Str("url", overview.URL).
		Int("status", overview.StatusCode).
		Dur("duration", overview.Duration).
		Str("curl", received.Inspection.Curl.String()).
		Msg("exchange")
}

// serverTLS presents the stored Snag authority. Producers do not verify it.
func serverTLS() (*tls.Config, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("getting config directory : %w", err)
	}
	cert, key, err := capture.LoadOrCreateAuthority(filepath.Join(dir, "snag"))
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
