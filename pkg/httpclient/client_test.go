package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNew_Transport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIdleConnsPerHost = 4
	client, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Timeout, client.Timeout)

	lt, ok := client.Transport.(*loggingTransport)
	require.True(t, ok)
	base, ok := lt.base.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 4, base.MaxIdleConnsPerHost)
	assert.Equal(t, 100, base.MaxIdleConns)
	require.NotNil(t, base.TLSClientConfig)
	assert.False(t, base.TLSClientConfig.InsecureSkipVerify)
}

func TestNew_DoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	client, err := New(DefaultConfig())
	require.NoError(t, err)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestNew_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	client, err := New(cfg)
	require.NoError(t, err)

	_, err = client.Get(server.URL)
	require.Error(t, err)
}
