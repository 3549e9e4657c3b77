package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"olsrv2d/lib/address"
	"olsrv2d/lib/config"
	"olsrv2d/lib/core"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/iface"
	"olsrv2d/lib/kernel"
	"olsrv2d/lib/netif"
	"olsrv2d/lib/transport"
)

func main() {
	var (
		originatorV4 = flag.String("originator4", "", "this node's IPv4 originator address")
		originatorV6 = flag.String("originator6", "", "this node's IPv6 originator address")
		floodV4      = flag.Bool("v4", true, "flood HELLO/TC over IPv4 by default")
		floodV6      = flag.Bool("v6", true, "flood HELLO/TC over IPv6 by default")
		helloInt     = flag.Duration("hello-interval", 2*time.Second, "default HELLO refresh interval")
		helloValid   = flag.Duration("hello-validity", 6*time.Second, "default HELLO validity time")
		tcInt        = flag.Duration("tc-interval", 5*time.Second, "TC emission interval")
		tcValid      = flag.Duration("tc-validity", 15*time.Second, "TC validity time")
		protocolID   = flag.Uint("protocol-id", 100, "rtnetlink route protocol id to install routes under")
		logLevel     = flag.String("log-level", "info", "debug|info|warn|error")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)})).
		With("component", "olsrv2d")

	cfg, err := buildConfig(*originatorV4, *originatorV6, *floodV4, *floodV6, *helloInt, *helloValid, *tcInt, *tcValid)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	reg := domain.NewRegistry(domain.ConstantMetricHandler{}, domain.DefaultMPRHandler{})
	preferredFamily := address.FamilyV6
	if !*floodV6 {
		preferredFamily = address.FamilyV4
	}
	c := core.New(logger, reg, uint8(*protocolID), preferredFamily)
	if err := c.ApplyConfig(cfg); err != nil {
		logger.Error("initial configuration rejected", "err", err)
		os.Exit(1)
	}

	tport := transport.New(logger.With("component", "transport"), c.Ifaces, c.Inbound)
	if err := tport.Open(); err != nil {
		logger.Error("failed to open transport sockets", "err", err)
		os.Exit(1)
	}
	defer tport.Close()
	c.Transport = tport

	installer, err := kernel.Dial(logger.With("component", "kernel"), uint8(*protocolID))
	if err != nil {
		logger.Error("failed to dial rtnetlink", "err", err)
		os.Exit(1)
	}
	c.Kernel = installer

	watcher := netif.New(logger.With("component", "netif"), c.IfaceSyncs)
	if err := watcher.SyncAll(); err != nil {
		logger.Warn("initial interface sync incomplete", "err", err)
	}
	for _, li := range c.Ifaces.All() {
		if err := tport.JoinInterface(li); err != nil {
			logger.Warn("multicast join failed", "iface", li.Name, "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tport.Run(ctx) })
	g.Go(func() error { return installer.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return c.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("daemon exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("olsrv2d shut down")
}

func buildConfig(originatorV4, originatorV6 string, floodV4, floodV6 bool, helloInt, helloValid, tcInt, tcValid time.Duration) (config.Config, error) {
	cfg := config.Config{
		TCInterval: tcInt,
		TCValidity: tcValid,
		Interfaces: map[string]config.InterfaceConfig{
			iface.WildcardName: {
				FloodV4:          floodV4,
				FloodV6:          floodV6,
				RefreshInterval:  helloInt,
				HelloValidity:    helloValid,
				LinkHoldTime:     3 * helloInt,
				NeighborHoldTime: 3 * helloInt,
				AddrHoldTime:     3 * helloInt,
			},
		},
		Domains: map[domain.ExtensionByte]config.DomainConfig{
			0: {Willingness: iface.DefaultWillingness},
		},
	}
	if originatorV4 != "" {
		a, err := netip.ParseAddr(originatorV4)
		if err != nil {
			return cfg, fmt.Errorf("originator4: %w", err)
		}
		addr := address.FromNetIP(a)
		cfg.OriginatorV4 = &addr
	}
	if originatorV6 != "" {
		a, err := netip.ParseAddr(originatorV6)
		if err != nil {
			return cfg, fmt.Errorf("originator6: %w", err)
		}
		addr := address.FromNetIP(a)
		cfg.OriginatorV6 = &addr
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
