// Package prober checks whether peer rpc-servers are reachable and feeds
// the results back into the device registry.
package prober

import (
	"context"
	"fmt"
	"net"
	"time"

	"memgrid/pkg/defaults"
)

// TCPProber reports reachability by completing a TCP handshake against the
// peer's rpc port and closing the connection straight away.
type TCPProber struct {
	dialer net.Dialer
}

func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = defaults.ProbeTimeout
	}

	return &TCPProber{
		dialer: net.Dialer{
			Timeout:   timeout,
			KeepAlive: -1,
		},
	}
}

// ProbeRPC reports whether address:port accepts a TCP connection.
func (p *TCPProber) ProbeRPC(ctx context.Context, address string, port int) bool {
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = conn.Close()

	return true
}
