package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LibreNetworks/amps/internal/config"
)

// fakeBinary writes a small shell script standing in for yt-dlp, and
// returns its path — BinaryPath exists on Resolver specifically so tests
// never need the real tool installed.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestResolveParsesURLAndHeaders(t *testing.T) {
	bin := fakeBinary(t, `echo "https://example.com/stream.m3u8"
echo "Cookie: session=abc123"
echo "User-Agent: test-agent/1.0"
`)
	r := &Resolver{BinaryPath: map[string]string{"yt_dlp": bin}}

	url, headers, err := r.Resolve(context.Background(), "https://source.example/video", nil)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/stream.m3u8", url)
	require.Equal(t, map[string]string{
		"Cookie":     "session=abc123",
		"User-Agent": "test-agent/1.0",
	}, headers)
}

func TestResolveNoOutputIsError(t *testing.T) {
	bin := fakeBinary(t, `exit 0
`)
	r := &Resolver{BinaryPath: map[string]string{"yt_dlp": bin}}

	_, _, err := r.Resolve(context.Background(), "https://source.example/video", nil)
	require.Error(t, err)
	var target *ErrResolveFailed
	require.ErrorAs(t, err, &target)
}

func TestResolveNonZeroExitIsError(t *testing.T) {
	bin := fakeBinary(t, `echo "boom" 1>&2
exit 1
`)
	r := &Resolver{BinaryPath: map[string]string{"yt_dlp": bin}}

	_, _, err := r.Resolve(context.Background(), "https://source.example/video", nil)
	require.Error(t, err)
}

func TestResolveUnsupportedHandlerType(t *testing.T) {
	r := New()
	_, _, err := r.Resolve(context.Background(), "https://source.example/video", &config.SourceHandler{Type: "nonexistent"})
	require.Error(t, err)
}

func TestResolvePassesHandlerOptionsAsFlags(t *testing.T) {
	bin := fakeBinary(t, `echo "$@" > "$AMPS_TEST_ARGS_FILE"
echo "https://example.com/stream.m3u8"
`)
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("AMPS_TEST_ARGS_FILE", argsFile)

	r := &Resolver{BinaryPath: map[string]string{"yt_dlp": bin}}
	_, _, err := r.Resolve(context.Background(), "https://source.example/video", &config.SourceHandler{
		Type:    "yt_dlp",
		Options: map[string]string{"format": "best"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "--format best")
}

func TestResolveRespectsContextTimeout(t *testing.T) {
	bin := fakeBinary(t, `sleep 5
echo "https://example.com/stream.m3u8"
`)
	r := &Resolver{BinaryPath: map[string]string{"yt_dlp": bin}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := r.Resolve(ctx, "https://source.example/video", nil)
	require.Error(t, err)
}
