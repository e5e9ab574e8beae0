package utils

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadline_ScalesWithBytes(t *testing.T) {
	// 30s at 4000 B/s is 120000 bytes per period
	assert.Equal(t, 30*time.Second, deadline(30*time.Second, 0))
	assert.Equal(t, 30*time.Second, deadline(30*time.Second, 119999))
	assert.Equal(t, 60*time.Second, deadline(30*time.Second, 120000))
	assert.Equal(t, 270*time.Second, deadline(30*time.Second, 1_000_000))
}

func TestDeadline_TinyTimeout(t *testing.T) {
	assert.Equal(t, 11*time.Microsecond, deadline(time.Microsecond, 10))
}

func TestJoinHostPort(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", JoinHostPort("127.0.0.1", 8080))
	assert.Equal(t, "[::1]:8080", JoinHostPort("::1", 8080))
	assert.Equal(t, "[::1]:8080", JoinHostPort("[::1]", 8080))
}

func TestListener_RoundTrip(t *testing.T) {
	l, err := NewListener("127.0.0.1:0", time.Second)
	require.NoError(t, err)
	defer l.Close()

	done := make(chan string, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			done <- err.Error()
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		n, _ := c.Read(buf)
		done <- string(buf[:n])
	}()

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", <-done)
	c.Close()
}

func TestDetectedHostAddress(t *testing.T) {
	assert.NotEmpty(t, DetectedHostAddress())
}
