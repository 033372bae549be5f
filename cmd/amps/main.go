// Command amps is the Amps media relay's entrypoint: `amps serve` runs
// the server; the remaining subcommands are thin HTTP clients against a
// running server's REST surface. Grounded on the teacher's main.go
// (single flat main(), no CLI framework) — amps generalizes that shape
// into a small subcommand dispatch on os.Args rather than adopting a
// framework the teacher never uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/LibreNetworks/amps/internal/cache"
	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/internal/httpapi"
	"github.com/LibreNetworks/amps/internal/httpclient"
	"github.com/LibreNetworks/amps/internal/manifest"
	_ "github.com/LibreNetworks/amps/internal/plugins/versioninfo"
	"github.com/LibreNetworks/amps/internal/registry"
	"github.com/LibreNetworks/amps/internal/resolver"
	"github.com/LibreNetworks/amps/internal/scheduler"
	"github.com/LibreNetworks/amps/internal/transcoder"
	"github.com/LibreNetworks/amps/internal/updater"
	"github.com/LibreNetworks/amps/pkg/logger"
	"github.com/LibreNetworks/amps/pkg/version"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: amps <serve|list|tuners|shutdown|vlc|update> [flags]")
		os.Exit(1)
	}

	var code int
	switch args[0] {
	case "serve":
		code = cmdServe(args[1:])
	case "list":
		code = cmdList(args[1:])
	case "tuners":
		code = cmdTuners(args[1:])
	case "shutdown":
		code = cmdShutdown(args[1:])
	case "vlc":
		code = cmdVLC(args[1:])
	case "update":
		code = cmdUpdate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		code = 1
	}
	os.Exit(code)
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == "--"+name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// cmdServe boots the whole server: loads config, wires C1-C7 and the
// ambient layer, and serves until interrupted.
func cmdServe(args []string) int {
	path := config.ResolvePath(flagValue(args, "config"))
	if path == "" {
		fmt.Fprintln(os.Stderr, "amps serve: --config is required (or set AMPS_CONFIG)")
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amps serve: %v\n", err)
		return 1
	}
	if cfg.Server.Debug {
		logger.SetDefault(logger.New("amps", "debug"))
	}

	reg := registry.New()
	reg.Seed(cfg.Streams)

	res := resolver.New()
	manager, err := transcoder.New(cfg, reg, res, transcoder.Options{
		MediaRoot: cfg.Server.MediaRoot,
		FanoutWorkers: cfg.Server.Workers * 8,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "amps serve: %v\n", err)
		return 1
	}
	reg.SetKillFunc(func(channelID int64) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.KillChannel(ctx, channelID)
	})

	watcher := manifest.New(manager)
	appCache := cache.New(5 * time.Second)

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	server, err := httpapi.New(reg, manager, watcher, appCache, baseURL, cfg.Server.Token, cfg.Server.Plugins)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amps serve: %v\n", err)
		return 1
	}

	sched := scheduler.New(reg, cfg.ScheduledStreams, time.Second)
	sched.Start()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: server.Router()}

	logger.Info("amps serving on %s (%d streams, %d scheduled)", addr, len(cfg.Streams), len(cfg.ScheduledStreams))

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "amps serve: %v\n", err)
		return 1
	case <-sigCh:
		logger.Info("amps: shutdown signal received")
	case <-server.Shutdown():
		logger.Info("amps: shutdown requested via /api/shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Stop()
	manager.Shutdown(shutdownCtx)
	_ = httpSrv.Shutdown(shutdownCtx)
	return 0
}

func clientFor(args []string) (*httpclient.Client, string, string) {
	base := flagValue(args, "server")
	if base == "" {
		base = "http://127.0.0.1:8830"
	}
	token := os.Getenv("AMPS_TOKEN")
	return httpclient.New(httpclient.Options{UserAgent: "amps-cli/1.0"}), base, token
}

func doGet(c *httpclient.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.Do(req)
}

func cmdList(args []string) int {
	c, base, token := clientFor(args)
	resp, err := doGet(c, base+"/api/streams", token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amps list: %v\n", err)
		return 2
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "amps list: server returned %s\n", resp.Status)
		return 2
	}
	var channels []config.Channel
	if err := json.NewDecoder(resp.Body).Decode(&channels); err != nil {
		fmt.Fprintf(os.Stderr, "amps list: %v\n", err)
		return 2
	}
	for _, ch := range channels {
		fmt.Printf("%d\t%s\t%s\n", ch.ID, ch.Name, ch.Group)
	}
	return 0
}

func cmdTuners(args []string) int {
	c, base, token := clientFor(args)
	resp, err := doGet(c, base+"/api/tuners", token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amps tuners: %v\n", err)
		return 2
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "amps tuners: server returned %s\n", resp.Status)
		return 2
	}
	var live []transcoder.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&live); err != nil {
		fmt.Fprintf(os.Stderr, "amps tuners: %v\n", err)
		return 2
	}
	for _, rec := range live {
		fmt.Printf("%s\t%s\tpid=%d\tsubs=%d\trestarts=%d\n", rec.Key, rec.State, rec.PID, rec.Subscribers, rec.RestartCount)
	}
	return 0
}

func cmdShutdown(args []string) int {
	c, base, token := clientFor(args)
	req, err := http.NewRequest(http.MethodPost, base+"/api/shutdown", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amps shutdown: %v\n", err)
		return 2
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amps shutdown: %v\n", err)
		return 2
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "amps shutdown: server returned %s\n", resp.Status)
		return 2
	}
	return 0
}

// cmdVLC resolves stream_id/region into a playable /stream URL and
// launches the local vlc binary against it, spec.md §6's "amps vlc
// [--stream-id N] [--region CC]".
func cmdVLC(args []string) int {
	idStr := flagValue(args, "stream-id")
	if idStr == "" {
		fmt.Fprintln(os.Stderr, "amps vlc: --stream-id is required")
		return 1
	}
	if _, err := strconv.ParseInt(idStr, 10, 64); err != nil {
		fmt.Fprintln(os.Stderr, "amps vlc: --stream-id must be an integer")
		return 1
	}
	region := flagValue(args, "region")

	_, base, token := clientFor(args)
	url := fmt.Sprintf("%s/stream/%s", base, idStr)
	q := "?token=" + token
	if region != "" {
		q += "&region=" + region
	}
	url += q

	cmd := exec.Command("vlc", url)
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "amps vlc: %v\n", err)
		return 2
	}
	return 0
}

// cmdUpdate is the Go port of original_source/amps's `amps update [--repo]`:
// it checks the latest GitHub release tag against the running binary's
// compiled-in version and, if newer, replaces the current executable with
// the matching release asset. Grounded on updater.py's
// fetch_latest_release_tag/is_newer_version/install_from_github sequence;
// "pip install --upgrade" has no Go analog, so the install step here is the
// idiomatic Go equivalent of a self-updating CLI: download the release
// asset for runtime.GOOS/GOARCH and atomically replace os.Executable().
func cmdUpdate(args []string) int {
	repo := flagValue(args, "repo")
	if repo == "" {
		repo = updater.DefaultRepo
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current := version.Version
	tag, err := updater.FetchLatestReleaseTag(ctx, repo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amps update: %v\n", err)
		return 2
	}

	if !updater.IsNewer(current, tag) {
		fmt.Printf("amps is already up to date (%s)\n", current)
		return 0
	}

	fmt.Printf("updating amps %s -> %s from %s ...\n", current, tag, repo)
	if err := updater.InstallFromGitHub(ctx, repo, tag); err != nil {
		fmt.Fprintf(os.Stderr, "amps update: %v\n", err)
		return 2
	}
	fmt.Printf("amps updated to %s; restart to use it\n", tag)
	return 0
}
