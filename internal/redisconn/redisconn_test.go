package redisconn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressesTrimsAndDeduplicates(t *testing.T) {
	opts := Options{Addrs: []string{" a:6379 ", "", "b:6379", "a:6379"}}
	assert.Equal(t, []string{"a:6379", "b:6379"}, opts.Addresses())
}

func TestDialPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Dial(context.Background(), Options{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := Dial(context.Background(), Options{Addrs: []string{" "}})
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestDialUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Dial(context.Background(), Options{Addrs: []string{addr}, DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestTLSConfig(t *testing.T) {
	cfg, err := TLSOptions{}.config()
	require.NoError(t, err)
	assert.Nil(t, cfg, "TLS stays off unless configured")

	cfg, err = TLSOptions{InsecureSkipVerify: true, ServerName: "redis.internal"}.config()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "redis.internal", cfg.ServerName)

	_, err = TLSOptions{CAFile: filepath.Join(t.TempDir(), "missing.pem")}.config()
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = TLSOptions{CAFile: bad}.config()
	assert.ErrorContains(t, err, "holds no certificates")

	_, err = TLSOptions{CertFile: "client.pem"}.config()
	assert.ErrorContains(t, err, "both cert and key")
}
