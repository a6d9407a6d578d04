package peer

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceName is the mDNS service type agents advertise and browse.
	ServiceName = "_easel._tcp"
	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."
)

// DiscoveryConfig describes how an agent announces itself on the LAN.
type DiscoveryConfig struct {
	Instance string
	Port     int
	Logger   *zap.Logger
}

// Advertise registers the agent's peer endpoint over mDNS until the
// context is cancelled.
func Advertise(ctx context.Context, cfg DiscoveryConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server, err := zeroconf.Register(cfg.Instance, ServiceName, ServiceDomain, cfg.Port, []string{"proto=easel-v1"}, nil)
	if err != nil {
		return fmt.Errorf("peer: register mdns service: %w", err)
	}
	logger.Info("peer discovery advertising",
		zap.String("instance", cfg.Instance),
		zap.Int("port", cfg.Port))
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Browse watches for other agents on the LAN and reports each discovered
// peer endpoint until the context is cancelled.
func Browse(ctx context.Context, logger *zap.Logger, onPeer func(endpoint string)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("peer: initialize mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			endpoint := fmt.Sprintf("ws://%s:%d/peer", entry.AddrIPv4[0], entry.Port)
			logger.Info("peer discovered",
				zap.String("instance", entry.Instance),
				zap.String("endpoint", endpoint))
			onPeer(endpoint)
		}
	}()
	if err := resolver.Browse(ctx, ServiceName, ServiceDomain, entries); err != nil {
		return fmt.Errorf("peer: browse mdns services: %w", err)
	}
	return nil
}
