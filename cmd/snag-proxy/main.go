// Command snag-proxy runs a capturing HTTP proxy and streams what passes through it
// to a Snag viewer. Point a client's HTTP(S) proxy at it and trust the certificate
// served at http://snag.cert to see HTTPS traffic.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tfkr-ae/snag"
	"github.com/tfkr-ae/snag/capture"
	"github.com/tfkr-ae/snag/config"
	"github.com/tfkr-ae/snag/discovery/zeroconf"
	"github.com/tfkr-ae/snag/identity"
	"github.com/tfkr-ae/snag/intercept"
	"github.com/tfkr-ae/snag/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.Flags("snag-proxy")
	flags.String("proxy-host", "127.0.0.1", "address the proxy listens on")
	flags.Int("proxy-port", 8080, "port the proxy listens on")
	flags.String("script", "", "Lua script defining willSend(record)")
	flags.Bool("insecure-upstream", false, "do not verify upstream certificates")
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
	log := logger.WithComponent("snag-proxy")

	project, err := identity.LoadProject(cfg.ProjectName, cfg.ProjectIcon)
	if err != nil {
		return err
	}

	options := []snag.Option{
		snag.WithLogger(logger.GetLogger()),
		snag.WithConfig(cfg),
		snag.WithDelegates(intercept.RedactPatterns()),
	}
	if !cfg.HasDebugHost() {
		options = append(options, snag.WithDiscovery(zeroconf.New(0, logger.WithComponent("zeroconf")), cfg.NetServiceType))
	}
	if script, _ := flags.GetString("script"); script != "" {
		delegate, err := intercept.LoadLuaDelegate(script, logger.WithComponent("lua"))
		if err != nil {
			return err
		}
		options = append(options, snag.WithDelegates(delegate))
	}

	s, err := snag.New(identity.HostDevice(), project, options...)
	if err != nil {
		return err
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory : %w", err)
	}
	cert, key, err := capture.LoadOrCreateAuthority(filepath.Join(dir, "snag"))
	if err != nil {
		return err
	}

	proxyOptions := []capture.ProxyOption{capture.WithAuthority(cert, key)}
	if insecure, _ := flags.GetBool("insecure-upstream"); insecure {
		proxyOptions = append(proxyOptions, capture.WithInsecureUpstream())
	}
	proxy, err := s.Proxy(proxyOptions...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}

	host, _ := flags.GetString("proxy-host")
	port, _ := flags.GetInt("proxy-port")
	ln, err := proxy.Listen(ctx, host, port)
	if err != nil {
		return err
	}
	log.Info().Str("address", proxy.Addr().String()).Str("spki", capture.SPKIHash(cert)).Msg("proxy listening")

	served := make(chan error, 1)
	go func() {
		served <- proxy.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-served:
		if err != nil && !errors.Is(err, capture.ErrProxyClosed) {
			log.Error().Err(err).Msg("proxy stopped")
		}
	}

	log.Info().Msg("shutting down")
	proxy.Close()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(flushCtx)
}
