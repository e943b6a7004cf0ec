package testutils

import (
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// GetFreePort returns a free TCP port on host.
func GetFreePort(t *testing.T, host string) int {
	t.Helper()

	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	require.NoError(t, err, "Setup: failed to listen on tcp")
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok, "Setup: expected TCPAddr")
	return addr.Port
}

// WaitForHTTP waits until url answers with 200 OK.
func WaitForHTTP(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	client := http.Client{Timeout: time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, timeout, 20*time.Millisecond, "Setup: %s did not become ready", url)
}

// URL returns the http URL of path on host:port.
func URL(host string, port int, path string) string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(host, fmt.Sprint(port)), path)
}
