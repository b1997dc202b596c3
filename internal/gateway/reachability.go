package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"
)

// PathListener is told when the network path to the gateway comes back.
type PathListener interface {
	NotifyPathReachable()
}

// PathMonitor polls TCP reachability of the gateway host and signals the
// listener on every unreachable-to-reachable transition.
type PathMonitor struct {
	target   func() string
	listener PathListener
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewPathMonitor(target func() string, listener PathListener, interval time.Duration) *PathMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	d := &net.Dialer{}
	return &PathMonitor{
		target:   target,
		listener: listener,
		interval: interval,
		timeout:  3 * time.Second,
		dial:     d.DialContext,
	}
}

// Run dials the gateway host every interval until ctx is cancelled.
func (m *PathMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	reachable := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		addr := dialAddr(m.target())
		if addr == "" {
			continue
		}
		ok := m.check(ctx, addr)
		if ok && !reachable {
			slog.Info("gateway.path_restored", "addr", addr)
			m.listener.NotifyPathReachable()
		}
		if !ok && reachable {
			slog.Debug("gateway.path_lost", "addr", addr)
		}
		reachable = ok
	}
}

func (m *PathMonitor) check(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	conn, err := m.dial(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// dialAddr turns a ws/wss URL into host:port.
func dialAddr(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "wss" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Reachable dials the gateway host once over TCP.
func Reachable(ctx context.Context, rawURL string, timeout time.Duration) error {
	addr := dialAddr(rawURL)
	if addr == "" {
		return fmt.Errorf("gateway url %q has no host", rawURL)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
