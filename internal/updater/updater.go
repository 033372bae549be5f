// Package updater self-updates the amps binary from GitHub releases, ported
// from original_source/amps/updater.py's fetch_latest_release_tag /
// is_newer_version / install_from_github trio. The Python original installs
// a source-archive release via "pip install --upgrade <zip url>"; amps ships
// as a single compiled binary rather than a pip package, so InstallFromGitHub
// downloads the release asset built for the running GOOS/GOARCH and replaces
// the current executable in place instead.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/LibreNetworks/amps/internal/httpclient"
)

// DefaultRepo is the GitHub repository amps checks against when --repo is
// not given, mirroring updater.py's DEFAULT_REPO constant.
const DefaultRepo = "LibreNetworks/amps"

// Release is the subset of GitHub's release API response updater needs.
type Release struct {
	TagName string  `json:"tag_name"`
	Name    string  `json:"name"`
	Assets  []Asset `json:"assets"`
}

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

func client() *httpclient.Client {
	return httpclient.New(httpclient.Options{UserAgent: "amps-update"})
}

// FetchLatestRelease fetches GitHub's "latest release" for repo, the same
// GET /repos/{repo}/releases/latest endpoint fetch_latest_release_tag calls.
func FetchLatestRelease(ctx context.Context, repo string) (*Release, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github api error (%d): %s", resp.StatusCode, resp.Status)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode github release: %w", err)
	}
	if rel.TagName == "" {
		rel.TagName = rel.Name
	}
	return &rel, nil
}

// FetchLatestReleaseTag returns just the tag name, the shape
// fetch_latest_release_tag exposes.
func FetchLatestReleaseTag(ctx context.Context, repo string) (string, error) {
	rel, err := FetchLatestRelease(ctx, repo)
	if err != nil {
		return "", err
	}
	return rel.TagName, nil
}

// normalizeVersion strips a leading "v", matching normalize_version's
// PEP-440-vs-git-tag reconciliation.
func normalizeVersion(tag string) string {
	return strings.TrimPrefix(tag, "v")
}

// IsNewer reports whether candidate is a newer dotted version than current,
// comparing per-component integers the way is_newer_version's as_tuple
// helper does; non-numeric components (rc1, and similar) sort as 0.
func IsNewer(current, candidate string) bool {
	return versionTuple(candidate).greaterThan(versionTuple(current))
}

type tuple []int

func versionTuple(v string) tuple {
	v = normalizeVersion(v)
	parts := strings.Split(v, ".")
	out := make(tuple, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}

func (a tuple) greaterThan(b tuple) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			return av > bv
		}
	}
	return false
}

// assetName is the convention amps release assets follow: amps_<tag>_<goos>_<goarch>.
func assetName(tag string) string {
	return fmt.Sprintf("amps_%s_%s_%s", normalizeVersion(tag), runtime.GOOS, runtime.GOARCH)
}

// ErrAssetNotFound indicates the release has no asset for this host's
// GOOS/GOARCH combination.
type ErrAssetNotFound struct{ Name string }

func (e ErrAssetNotFound) Error() string {
	return fmt.Sprintf("no release asset named %q for this platform", e.Name)
}

// InstallFromGitHub downloads the release asset for tag matching the
// running platform and atomically replaces the currently executing binary,
// the Go analog of install_from_github's "pip install --upgrade <zip>".
func InstallFromGitHub(ctx context.Context, repo, tag string) error {
	rel, err := FetchLatestRelease(ctx, repo)
	if err != nil {
		return err
	}
	want := assetName(tag)
	var downloadURL string
	for _, a := range rel.Assets {
		if a.Name == want {
			downloadURL = a.BrowserDownloadURL
			break
		}
	}
	if downloadURL == "" {
		return ErrAssetNotFound{Name: want}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := client().Do(req)
	if err != nil {
		return fmt.Errorf("download release asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download release asset: server returned %s", resp.Status)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate running executable: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolve running executable: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(execPath), ".amps-update-*")
	if err != nil {
		return fmt.Errorf("stage new binary: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write new binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write new binary: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return fmt.Errorf("chmod new binary: %w", err)
	}

	if err := os.Rename(tmpPath, execPath); err != nil {
		return fmt.Errorf("replace running executable: %w", err)
	}
	return nil
}
