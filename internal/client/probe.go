package client

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// NetworkSink receives reachability changes. *Manager implements it.
type NetworkSink interface {
	SetNetworkAvailable(online bool)
}

// ProbeMonitor decides reachability by opening a TCP connection to the relay
// host on an interval and reports changes to a NetworkSink.
type ProbeMonitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
	logger   *logrus.Logger
}

// NewProbeMonitor creates a monitor for the host of relayURL.
func NewProbeMonitor(relayURL string, interval time.Duration, logger *logrus.Logger) (*ProbeMonitor, error) {
	addr, err := ProbeAddress(relayURL)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var d net.Dialer
	return &ProbeMonitor{
		addr:     addr,
		interval: interval,
		timeout:  interval / 2,
		dial:     d.DialContext,
		logger:   logger,
	}, nil
}

// ProbeAddress returns host:port for a ws, wss, http or https URL.
func ProbeAddress(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("relay URL %q has no host", relayURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		case "ws", "http":
			port = "80"
		default:
			return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Run probes until ctx is done. The first result is always reported; after
// that only changes are.
func (p *ProbeMonitor) Run(ctx context.Context, sink NetworkSink) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	first := true
	last := false
	for {
		online := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if first || online != last {
			p.logger.WithFields(logrus.Fields{"addr": p.addr, "online": online}).Info("Network reachability changed")
			sink.SetNetworkAvailable(online)
			first = false
			last = online
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *ProbeMonitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
