package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/packset/packset/internal/crypto"
	"github.com/packset/packset/internal/logger"
)

const (
	// CacheFileName is the cached manifest's name under the cache dir.
	CacheFileName = "content_manifest.json"

	// DefaultMaxAge is the freshness window for cached manifests. Age is
	// computed from the manifest's embedded generated_at timestamp.
	DefaultMaxAge = 24 * time.Hour

	// DefaultTimeout is the HTTP timeout for manifest fetches.
	DefaultTimeout = 30 * time.Second

	userAgent = "packset/1.0 (manifest)"
)

// Manager loads manifests and resolves pack installation state.
type Manager struct {
	contentDir string
	cacheDir   string
	client     *http.Client
	crypto     *crypto.Manager
	logger     logger.Logger
	maxAge     time.Duration
}

// Config holds configuration for the manifest manager.
type Config struct {
	// ContentDir is where packs are installed (<content>/<pack_id>/...).
	ContentDir string

	// CacheDir is where the fetched manifest is cached.
	CacheDir string

	// Crypto verifies the manifest's keyed-MAC signature. Required.
	Crypto *crypto.Manager

	// Logger defaults to a no-op logger.
	Logger logger.Logger

	// Client defaults to an http.Client with DefaultTimeout.
	Client *http.Client

	// MaxAge overrides DefaultMaxAge. Zero means the default.
	MaxAge time.Duration
}

// NewManager creates a manifest manager, creating the content and cache
// directories if needed.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ContentDir == "" {
		return nil, fmt.Errorf("ContentDir is required")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("CacheDir is required")
	}
	if cfg.Crypto == nil {
		return nil, fmt.Errorf("Crypto is required")
	}

	for _, dir := range []string{cfg.ContentDir, cfg.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	m := &Manager{
		contentDir: cfg.ContentDir,
		cacheDir:   cfg.CacheDir,
		client:     cfg.Client,
		crypto:     cfg.Crypto,
		logger:     cfg.Logger,
		maxAge:     cfg.MaxAge,
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: DefaultTimeout}
	}
	if m.logger == nil {
		m.logger = logger.Noop()
	}
	if m.maxAge == 0 {
		m.maxAge = DefaultMaxAge
	}

	return m, nil
}

// CachePath returns the path of the cached manifest file.
func (m *Manager) CachePath() string {
	return filepath.Join(m.cacheDir, CacheFileName)
}

// ContentDir returns the pack installation root.
func (m *Manager) ContentDir() string {
	return m.contentDir
}

// Load returns the manifest, cache-first. A cached copy is reused while
// its embedded generated_at timestamp is younger than the freshness
// window; a stale, unreadable, or unparsable cache falls through to a
// remote fetch. The fetched manifest is cached best-effort.
func (m *Manager) Load(ctx context.Context, url string) (*Manifest, error) {
	cachePath := m.CachePath()

	if _, err := os.Stat(cachePath); err == nil {
		cached, err := m.LoadFromFile(cachePath)
		if err != nil {
			// Corrupt cache is a cache miss, not a hard error.
			m.logger.Warn("failed to load cached manifest", "path", cachePath, "error", err)
		} else if m.isFresh(cached) {
			m.logger.Debug("using cached manifest", "generated_at", cached.GeneratedAt)
			return cached, nil
		}
	}

	fetched, err := m.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	if err := m.SaveToFile(fetched, cachePath); err != nil {
		m.logger.Warn("failed to cache manifest", "path", cachePath, "error", err)
	}

	return fetched, nil
}

// LoadFromFile loads a manifest from a local JSON file.
func (m *Manager) LoadFromFile(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest file: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest JSON: %w", err)
	}

	return &manifest, nil
}

// SaveToFile writes a manifest to a local JSON file.
func (m *Manager) SaveToFile(manifest *Manifest, path string) error {
	content, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write manifest file: %w", err)
	}

	return nil
}

// Fetch retrieves a manifest from a remote URL. Any non-2xx status is an
// error.
func (m *Manager) Fetch(ctx context.Context, url string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch manifest: unexpected status: %s", resp.Status)
	}

	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("parse manifest JSON: %w", err)
	}

	return &manifest, nil
}

// isFresh reports whether a manifest's embedded timestamp is within the
// freshness window. An unparsable timestamp is treated as stale.
func (m *Manager) isFresh(manifest *Manifest) bool {
	generated, err := time.Parse(time.RFC3339, manifest.GeneratedAt)
	if err != nil {
		return false
	}
	return time.Since(generated) < m.maxAge
}

// Verify checks the manifest's keyed-MAC signature. The signature covers
// the manifest serialized with the signature field empty.
func (m *Manager) Verify(manifest *Manifest) crypto.SignatureResult {
	sig := manifest.Signature
	if sig == "" {
		return crypto.SignatureResult{Status: crypto.SignatureMissing}
	}

	unsigned := *manifest
	unsigned.Signature = ""
	payload, err := json.Marshal(&unsigned)
	if err != nil {
		return crypto.SignatureResult{Status: crypto.SignatureError, Err: fmt.Errorf("serialize manifest: %w", err)}
	}

	return m.crypto.VerifySignature(payload, sig)
}

// VerifyPublisherSignature verifies a detached PGP signature over the
// manifest file against a publisher keyring. This is the verification
// path for deployments that publish a .asc/.sig next to the manifest.
func (m *Manager) VerifyPublisherSignature(manifestPath, sigPath, keyringPath string) error {
	keyring, err := crypto.LoadKeyring(keyringPath)
	if err != nil {
		return fmt.Errorf("load publisher keyring: %w", err)
	}
	return crypto.VerifyDetachedSignature(keyring, manifestPath, sigPath)
}

// FindCompatiblePacks filters packs that carry a variant for the given
// platform id.
func (m *Manager) FindCompatiblePacks(manifest *Manifest, platformID string) []Pack {
	var packs []Pack
	for _, pack := range manifest.ContentPacks {
		if _, ok := pack.FindPlatform(platformID); ok {
			packs = append(packs, pack)
		}
	}
	return packs
}

// IsPackInstalled reports whether a pack's install directory exists and
// every declared file is present with its declared byte length.
//
// This is a size check, not a hash check: a corrupted file of the right
// length still counts as installed. Full re-hashing is available via
// VerifyInstalledPack.
func (m *Manager) IsPackInstalled(pack *Pack) bool {
	packDir := filepath.Join(m.contentDir, pack.ID)

	if _, err := os.Stat(packDir); err != nil {
		return false
	}

	for _, file := range pack.Files {
		info, err := os.Stat(filepath.Join(packDir, file.Path))
		if err != nil {
			return false
		}
		if info.Size() != file.Size {
			return false
		}
	}

	return true
}

// VerifyInstalledPack re-hashes every installed file against its declared
// digest. It distinguishes an absent pack from a corrupted one.
func (m *Manager) VerifyInstalledPack(pack *Pack) (PackStatus, error) {
	packDir := filepath.Join(m.contentDir, pack.ID)

	if _, err := os.Stat(packDir); err != nil {
		if os.IsNotExist(err) {
			return StatusNotInstalled, nil
		}
		return StatusNotInstalled, fmt.Errorf("stat pack directory: %w", err)
	}

	for _, file := range pack.Files {
		res := m.crypto.VerifyFileHash(filepath.Join(packDir, file.Path), file.SHA256)
		switch res.Status {
		case crypto.HashValid:
		case crypto.HashInvalid:
			return StatusCorrupted, nil
		case crypto.HashError:
			if errors.Is(res.Err, fs.ErrNotExist) {
				return StatusCorrupted, nil
			}
			return StatusCorrupted, fmt.Errorf("verify %s: %w", file.Path, res.Err)
		}
	}

	return StatusInstalled, nil
}

// InstallationStatus computes the on-disk status of every compatible
// pack. It does not observe in-flight downloads; the download registry is
// a separate source of truth.
func (m *Manager) InstallationStatus(manifest *Manifest, platformID string) map[string]PackStatus {
	status := make(map[string]PackStatus)
	for _, pack := range m.FindCompatiblePacks(manifest, platformID) {
		if m.IsPackInstalled(&pack) {
			status[pack.ID] = StatusInstalled
		} else {
			status[pack.ID] = StatusNotInstalled
		}
	}
	return status
}

// CheckAppCompatibility checks the running app version against the
// manifest's app_version, treated as a semver constraint. A value that
// does not parse as a constraint falls back to exact string comparison.
func (m *Manager) CheckAppCompatibility(manifest *Manifest, appVersion string) error {
	if manifest.AppVersion == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(manifest.AppVersion)
	if err != nil {
		if manifest.AppVersion != appVersion {
			return fmt.Errorf("manifest requires app version %s, running %s", manifest.AppVersion, appVersion)
		}
		return nil
	}

	version, err := semver.NewVersion(appVersion)
	if err != nil {
		return fmt.Errorf("parse app version %q: %w", appVersion, err)
	}

	if !constraint.Check(version) {
		return fmt.Errorf("app version %s does not satisfy manifest constraint %s", appVersion, manifest.AppVersion)
	}

	return nil
}

// ValidatePack checks the structural invariants the manifest format
// declares but the wire format cannot enforce: file paths must be safe,
// unique, and their sizes must sum to the declared total.
func ValidatePack(pack *Pack) error {
	seen := make(map[string]struct{}, len(pack.Files))
	var sum int64

	for _, file := range pack.Files {
		if err := crypto.ValidateSafePath(file.Path); err != nil {
			return fmt.Errorf("file %q: %w", file.Path, err)
		}
		if _, dup := seen[file.Path]; dup {
			return fmt.Errorf("duplicate file path %q", file.Path)
		}
		seen[file.Path] = struct{}{}
		sum += file.Size
	}

	if sum != pack.TotalSize {
		return fmt.Errorf("declared total_size %d does not match file size sum %d", pack.TotalSize, sum)
	}

	return nil
}

// MissingDependencies returns the declared dependency pack ids that are
// not installed. The pipeline does not resolve or order dependencies;
// callers surface these to the operator.
func (m *Manager) MissingDependencies(manifest *Manifest, pack *Pack, status map[string]PackStatus) []string {
	var missing []string
	for _, dep := range pack.Dependencies {
		if status[dep] != StatusInstalled {
			missing = append(missing, dep)
		}
	}
	return missing
}
