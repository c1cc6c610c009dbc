package objectstore

import (
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vod-worker/internal/observability/logging"
	"vod-worker/internal/testsupport/s3stub"
)

func newTestClient(t *testing.T, mutate func(*Config)) (*Client, *s3stub.Server) {
	t.Helper()
	server := s3stub.Start("media")
	t.Cleanup(server.Close)

	cfg := Config{
		Endpoint:     server.URL(),
		Region:       "us-east-1",
		AccessKey:    "AKIAEXAMPLE",
		SecretKey:    "secretKeyExample",
		Bucket:       "media",
		UsePathStyle: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	return client, server
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestDownloadWritesObjectToLocalPath(t *testing.T) {
	client, server := newTestClient(t, nil)
	server.Put("media", "private/users/u1/v1/tempVideo.mp4", []byte("movie-bytes"))

	local := filepath.Join(t.TempDir(), "input", "source")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("a much longer stale file"), 0o644))

	n, err := client.Download(context.Background(), "private/users/u1/v1/tempVideo.mp4", local)
	require.NoError(t, err)
	assert.Equal(t, int64(len("movie-bytes")), n)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "movie-bytes", string(data))
}

func TestDownloadClassifiesErrors(t *testing.T) {
	client, server := newTestClient(t, nil)
	local := filepath.Join(t.TempDir(), "source")

	_, err := client.Download(context.Background(), "private/missing.mp4", local)
	require.ErrorIs(t, err, ErrObjectNotFound)

	server.Put("media", "private/present.mp4", []byte("x"))
	server.SetDown(true)
	_, err = client.Download(context.Background(), "private/present.mp4", local)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ErrObjectNotFound)
}

func TestUploadTreeUploadsFlatDirectoryWithManifestLast(t *testing.T) {
	client, server := newTestClient(t, nil)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"master_video.m3u8":  "#EXTM3U\n",
		"360p_video.m3u8":    "#EXTM3U\n",
		"360p_video_000.ts":  "seg0",
		"360p_video_001.ts":  "seg1",
		"1080p_video.m3u8":   "#EXTM3U\n",
		"1080p_video_000.ts": "seg0",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	writeTree(t, filepath.Join(dir, "nested"), map[string]string{"ignored.ts": "x"})

	report, err := client.UploadTree(context.Background(), dir, "users/u1/v1", UploadLast("master_video.m3u8"), WithConcurrency(3))
	require.NoError(t, err)
	assert.Len(t, report.Keys, 6)
	assert.Equal(t, "users/u1/v1/master_video.m3u8", report.Keys[len(report.Keys)-1])

	order := server.PutOrder()
	require.Len(t, order, 6)
	assert.Equal(t, "users/u1/v1/master_video.m3u8", order[len(order)-1])
	_, nested := server.Get("media", "users/u1/v1/nested/ignored.ts")
	assert.False(t, nested)

	assert.Equal(t, "application/vnd.apple.mpegurl", server.ContentType("media", "users/u1/v1/360p_video.m3u8"))
	assert.Equal(t, "video/mp2t", server.ContentType("media", "users/u1/v1/360p_video_001.ts"))
}

func TestUploadTreeIsIdempotent(t *testing.T) {
	client, server := newTestClient(t, nil)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.ts": "one", "b.m3u8": "two"})

	_, err := client.UploadTree(context.Background(), dir, "out")
	require.NoError(t, err)
	first := server.Keys("media", "out/")
	sort.Strings(first)

	_, err = client.UploadTree(context.Background(), dir, "out")
	require.NoError(t, err)
	second := server.Keys("media", "out/")
	sort.Strings(second)

	assert.Equal(t, first, second)
	data, ok := server.Get("media", "out/a.ts")
	require.True(t, ok)
	assert.Equal(t, "one", string(data))
}

func TestUploadTreeFailureHoldsBackManifest(t *testing.T) {
	client, server := newTestClient(t, nil)
	server.FailPut("out/720p_video_000.ts")
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"master_video.m3u8": "#EXTM3U\n",
		"720p_video.m3u8":   "#EXTM3U\n",
		"720p_video_000.ts": "seg",
	})

	_, err := client.UploadTree(context.Background(), dir, "out", UploadLast("master_video.m3u8"))
	require.ErrorIs(t, err, ErrPartialUpload)
	_, ok := server.Get("media", "out/master_video.m3u8")
	assert.False(t, ok)
}

func TestPrefixAndPublicURL(t *testing.T) {
	client, server := newTestClient(t, func(cfg *Config) {
		cfg.Prefix = "/vod/"
		cfg.PublicEndpoint = "https://cdn.example.com/"
	})
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"master_video.m3u8": "#EXTM3U\n"})

	report, err := client.UploadTree(context.Background(), dir, "users/u1/v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vod/users/u1/v1/master_video.m3u8"}, report.Keys)
	_, ok := server.Get("media", "vod/users/u1/v1/master_video.m3u8")
	assert.True(t, ok)

	assert.Equal(t, "https://cdn.example.com/vod/users/u1/v1/master_video.m3u8", client.PublicURL("users/u1/v1/master_video.m3u8"))
	assert.Equal(t, "vod/a", client.applyPrefix("vod/a"))
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "localhost:9000"}, nil)
	assert.Error(t, err)
}

func TestBaseEndpoint(t *testing.T) {
	endpoint, err := baseEndpoint("minio:9000", true)
	require.NoError(t, err)
	assert.Equal(t, "https://minio:9000", endpoint)

	endpoint, err = baseEndpoint("http://127.0.0.1:9000/ignored", true)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", endpoint)

	endpoint, err = baseEndpoint("", false)
	require.NoError(t, err)
	assert.Empty(t, endpoint)
}

func TestNewHonoursCustomCABundle(t *testing.T) {
	tlsServer := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(tlsServer.Close)
	bundle := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: tlsServer.Certificate().Raw})
	require.NoError(t, os.WriteFile(bundle, pemBytes, 0o600))
	t.Setenv("AWS_CA_BUNDLE", bundle)

	client, server := newTestClient(t, nil)
	server.Put("media", "private/users/u1/v1/tempVideo.mp4", []byte("movie-bytes"))

	local := filepath.Join(t.TempDir(), "source.mp4")
	n, err := client.Download(context.Background(), "private/users/u1/v1/tempVideo.mp4", local)
	require.NoError(t, err)
	assert.Equal(t, int64(len("movie-bytes")), n)
}
