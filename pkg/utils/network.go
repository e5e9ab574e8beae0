// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
)

// minThroughput is the slowest transfer rate, in bytes per second, a
// connection may sustain before its deadline catches up with it.
const minThroughput = 4000

// Listener hands out connections whose read and write deadlines grow with
// the bytes already moved, so a large chunk upload over a slow link is not
// cut off by a timeout sized for small requests. A zero timeout disables
// deadlines.
type Listener struct {
	net.Listener
	Timeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, Timeout: l.Timeout}, nil
}

// Conn sets a scaled deadline before every read and write.
type Conn struct {
	net.Conn
	Timeout time.Duration

	bytesRead    int64
	bytesWritten int64
}

// deadline returns the timeout after moved bytes: one Timeout per
// Timeout-worth of data at minThroughput.
func deadline(timeout time.Duration, moved int64) time.Duration {
	perPeriod := max(int64(minThroughput*timeout.Seconds()), 1)
	return timeout * time.Duration(moved/perPeriod+1)
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(deadline(c.Timeout, c.bytesRead))); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Read(b)
	c.bytesRead += int64(n)
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(deadline(c.Timeout, c.bytesWritten))); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Write(b)
	c.bytesWritten += int64(n)
	return n, err
}

func NewListener(addr string, timeout time.Duration) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: listener, Timeout: timeout}, nil
}

// DetectedHostAddress returns the first non-loopback address of an up
// interface, preferring IPv4, or "localhost".
func DetectedHostAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Info().Err(err).Msg("Failed to detect network interfaces")
		return "localhost"
	}
	if addr := selectAddress(ifaces, true); addr != "" {
		return addr
	}
	if addr := selectAddress(ifaces, false); addr != "" {
		return addr
	}
	return "localhost"
}

func selectAddress(ifaces []net.Interface, v4 bool) string {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			logger.Debug().Err(err).Str("interface", iface.Name).Msg("Reading interface addresses")
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			is4 := ipNet.IP.To4() != nil
			switch {
			case v4 && is4:
				return ipNet.IP.String()
			case !v4 && !is4 && !ipNet.IP.IsLinkLocalUnicast():
				return ipNet.IP.String()
			}
		}
	}
	return ""
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}
