// Command gonat is a user-space IPv4 NAT: it reads raw packets off a
// tun interface, translates addresses and ports through one of three
// behavior-configurable tables (TCP, UDP, ICMP Echo), and writes them
// back out, the same as the original reference tool this package's
// behavior is ported from.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/ge9/gonat/internal/core"
	"github.com/ge9/gonat/internal/dispatch"
	"github.com/ge9/gonat/internal/nat"
	"github.com/ge9/gonat/internal/tun"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "gonat.yaml", "Path to configuration file")
	flag.Parse()

	runID := uuid.New().String()

	cm := core.NewConfigManager(*configPath, core.NewEventBus())
	if err := cm.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "gonat: %v\n", err)
		os.Exit(1)
	}
	cfg := cm.Get()

	logger, err := core.NewLogger(cfg.LogFile, core.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gonat: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Infof("", "gonat %s (%s) run=%s starting, config=%s", version, commit, runID, *configPath)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("", "exiting: %v", err)
		os.Exit(1)
	}
}

func run(cfg core.Config, logger *core.Logger) error {
	globalAddr, err := netip.ParseAddr(cfg.GlobalAddress)
	if err != nil {
		return fmt.Errorf("gonat: invalid global_address %q: %w", cfg.GlobalAddress, err)
	}

	ports, err := cfg.PortRange.Resolve()
	if err != nil {
		return fmt.Errorf("gonat: %w", err)
	}

	tcpTable, err := nat.BuildTCPLikeTable("tcp", cfg.Tables.TCP, ports, logger)
	if err != nil {
		return err
	}
	udpTable, err := nat.BuildUDPLikeTable("udp", cfg.Tables.UDP, ports, logger)
	if err != nil {
		return err
	}
	icmpTable, err := nat.BuildUDPLikeTable("icmp-echo", cfg.Tables.ICMPEcho, ports, logger)
	if err != nil {
		return err
	}

	tunCfg := tun.Config{Name: cfg.Interface.Name, PacketInfo: cfg.Interface.PacketInfo}
	if cfg.Interface.Address != "" {
		addr, err := netip.ParseAddr(cfg.Interface.Address)
		if err != nil {
			return fmt.Errorf("gonat: invalid interface.address %q: %w", cfg.Interface.Address, err)
		}
		tunCfg.Address = addr.As4()
		tunCfg.PrefixLen = cfg.Interface.PrefixLen
	}

	dev, err := tun.Open(tunCfg)
	if err != nil {
		return fmt.Errorf("gonat: %w", err)
	}
	defer dev.Close()
	logger.Infof("", "tun device %q up", dev.Name())

	d := dispatch.New(dev, globalAddr, tcpTable, udpTable, icmpTable, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Infof("", "shutdown signal received")
		cancel()
	}()

	err = d.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
