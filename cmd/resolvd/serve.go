package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkdata/rate"
	"github.com/spf13/cobra"

	"github.com/neevparikh/dns/api"
	"github.com/neevparikh/dns/cache"
	"github.com/neevparikh/dns/config"
	"github.com/neevparikh/dns/logger"
	"github.com/neevparikh/dns/resolver"
	"github.com/neevparikh/dns/server"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the DNS server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", config.FileName, "path to the configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	cfg := loaded.Config

	log, _ := logger.New(cfg.Log)
	if loaded.Created {
		log.Info("created default configuration", "path", loaded.Path)
	}

	dnsCache := cache.New()
	dnsCache.MaxEntries = cfg.Cache.MaxEntries
	dnsCache.MinTTL = time.Duration(cfg.Cache.MinTTLSeconds) * time.Second
	dnsCache.MaxTTL = time.Duration(cfg.Cache.MaxTTLSeconds) * time.Second
	dnsCache.NegativeTTL = time.Duration(cfg.Cache.NegTTLSeconds) * time.Second
	if cfg.Cache.File != "" {
		if err := dnsCache.LoadFile(cfg.Cache.File); err != nil {
			log.Warn("could not load cache file", "path", cfg.Cache.File, "err", err)
		} else if n := dnsCache.Entries(); n > 0 {
			log.Info("restored cache", "path", cfg.Cache.File, "entries", n)
		}
	}

	res, err := buildResolver(&cfg, dnsCache)
	if err != nil {
		return err
	}

	coord := server.NewCoordinator(res, dnsCache, log)
	coord.ClientTimeout = time.Duration(cfg.ClientSeconds) * time.Second
	coord.ResolveTimeout = time.Duration(cfg.ResolveSeconds) * time.Second

	srv, err := server.New(cfg.Listen, coord, log)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	if cfg.APIEnabled {
		api.New(coord, dnsCache, log).Start(cfg.APIListen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Cache.SweepSeconds > 0 {
		go dnsCache.SweepEvery(ctx, time.Duration(cfg.Cache.SweepSeconds)*time.Second)
	}

	log.Info("serving", "addr", srv.Addr, "mode", cfg.Mode)
	<-ctx.Done()
	log.Info("shutting down")

	if cfg.Cache.File != "" {
		if err := dnsCache.SaveFile(cfg.Cache.File); err != nil {
			log.Warn("could not save cache file", "path", cfg.Cache.File, "err", err)
		}
	}
	return nil
}

func buildResolver(cfg *config.Config, dnsCache *cache.Cache) (resolver.Resolver, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Mode {
	case config.ModeForward:
		upstreams, err := cfg.UpstreamAddrs()
		if err != nil {
			return nil, err
		}
		fwd := resolver.NewForwarder(nil, dnsCache, upstreams...)
		fwd.Timeout = timeout
		fwd.NegativeTTL = time.Duration(cfg.Cache.NegTTLSeconds) * time.Second
		return fwd, nil
	case config.ModeRecurse:
		roots4, roots6, err := cfg.RootAddrs()
		if err != nil {
			return nil, err
		}
		if roots4 == nil && roots6 == nil {
			roots4, roots6 = resolver.Roots4, resolver.Roots6
		} else {
			// An override replaces the built-in hints for both families.
			if roots4 == nil {
				roots4 = []netip.Addr{}
			}
			if roots6 == nil {
				roots6 = []netip.Addr{}
			}
		}
		if cfg.IPv4Only {
			roots6 = []netip.Addr{}
		}
		var rateLimiter <-chan struct{}
		if cfg.RateLimit > 0 {
			maxrate := int32(cfg.RateLimit) // #nosec G115
			rateLimiter = rate.NewTicker(nil, &maxrate).C
		}
		rec := resolver.NewWithOptions(nil, dnsCache, roots4, roots6, rateLimiter)
		rec.Timeout = timeout
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}
