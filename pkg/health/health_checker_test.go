package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTLSValidCertificate(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	c := NewChecker()
	// The httptest certificate covers example.com; dial its listener but
	// handshake for that name.
	c.dialAddr = strings.TrimPrefix(server.URL, "https://")

	info := c.checkTLS(context.Background(), "example.com")
	require.NotNil(t, info)
	assert.True(t, info.valid)
	assert.False(t, info.expiry.IsZero())
}

func TestCheckTLSWrongHostname(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	c := NewChecker()
	c.dialAddr = strings.TrimPrefix(server.URL, "https://")

	// The httptest certificate covers example.com and *.example.com, so
	// probe a name outside both.
	info := c.checkTLS(context.Background(), "tracker.example.org")
	require.NotNil(t, info)
	assert.False(t, info.valid)
	assert.Contains(t, info.problem, "does not cover")
}

func TestCheckTLSUnreachable(t *testing.T) {
	c := NewChecker()
	c.dialAddr = "127.0.0.1:1" // nothing listens here

	info := c.checkTLS(context.Background(), "tracker.example.com")
	assert.Nil(t, info)
}

func TestCheckHTTPRedirectCountsAsAccessible(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://tracker.example.com/", http.StatusMovedPermanently)
	}))
	defer server.Close()

	c := NewChecker()
	host := strings.TrimPrefix(server.URL, "http://")
	assert.True(t, c.checkHTTP(context.Background(), host))
}

func TestCheckHTTPUnreachable(t *testing.T) {
	c := NewChecker()
	assert.False(t, c.checkHTTP(context.Background(), "127.0.0.1:1"))
}
