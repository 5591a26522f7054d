package manifest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/packset/packset/internal/crypto"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	base := t.TempDir()
	mgr, err := NewManager(Config{
		ContentDir: filepath.Join(base, "content"),
		CacheDir:   filepath.Join(base, "cache"),
		Crypto: crypto.NewManager(crypto.Config{
			VerifyKey: []byte("test-signing-key"),
			SignKey:   []byte("test-signing-key"),
		}),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr
}

func testManifest(generatedAt string) *Manifest {
	return &Manifest{
		Version:     "1",
		GeneratedAt: generatedAt,
		AppVersion:  ">= 1.0.0",
		ContentPacks: []Pack{
			{
				ID:        "core-assets",
				Name:      "Core Assets",
				Version:   "2.1.0",
				Required:  true,
				TotalSize: 11,
				Platforms: []Platform{
					{ID: "linux-x64", DownloadURL: "https://example.com/core-linux.tar.gz", Format: "tar.gz"},
					{ID: "macos-arm64", DownloadURL: "https://example.com/core-macos.tar.gz", Format: "tar.gz"},
				},
				Files: []ContentFile{
					{Path: "data/core.bin", Size: 11, SHA256: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
				},
			},
			{
				ID:      "windows-extras",
				Name:    "Windows Extras",
				Version: "1.0.0",
				Platforms: []Platform{
					{ID: "windows-x64", DownloadURL: "https://example.com/extras.zip", Format: "zip"},
				},
			},
		},
	}
}

func TestIsFresh(t *testing.T) {
	mgr := newTestManager(t)

	tests := []struct {
		name        string
		generatedAt string
		want        bool
	}{
		{
			name:        "just generated",
			generatedAt: time.Now().UTC().Format(time.RFC3339),
			want:        true,
		},
		{
			name:        "one hour old",
			generatedAt: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
			want:        true,
		},
		{
			name:        "two days old",
			generatedAt: time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339),
			want:        false,
		},
		{
			name:        "unparsable timestamp",
			generatedAt: "yesterday-ish",
			want:        false,
		},
		{
			name:        "empty timestamp",
			generatedAt: "",
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mgr.isFresh(testManifest(tt.generatedAt))
			if got != tt.want {
				t.Errorf("isFresh(%q) = %v, want %v", tt.generatedAt, got, tt.want)
			}
		})
	}
}

func TestLoadUsesFreshCache(t *testing.T) {
	mgr := newTestManager(t)

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(testManifest(time.Now().UTC().Format(time.RFC3339)))
	}))
	defer server.Close()

	cached := testManifest(time.Now().UTC().Format(time.RFC3339))
	cached.Version = "cached"
	if err := mgr.SaveToFile(cached, mgr.CachePath()); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	got, err := mgr.Load(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Version != "cached" {
		t.Errorf("Load() returned version %q, want cached copy", got.Version)
	}
	if n := requests.Load(); n != 0 {
		t.Errorf("server received %d requests, want 0", n)
	}
}

func TestLoadRefetchesStaleCache(t *testing.T) {
	mgr := newTestManager(t)

	fresh := testManifest(time.Now().UTC().Format(time.RFC3339))
	fresh.Version = "remote"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "packset/") {
			t.Errorf("unexpected User-Agent %q", ua)
		}
		json.NewEncoder(w).Encode(fresh)
	}))
	defer server.Close()

	stale := testManifest(time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339))
	stale.Version = "stale"
	if err := mgr.SaveToFile(stale, mgr.CachePath()); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	got, err := mgr.Load(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Version != "remote" {
		t.Errorf("Load() returned version %q, want refetched copy", got.Version)
	}

	// The fetched manifest replaces the stale cache.
	recached, err := mgr.LoadFromFile(mgr.CachePath())
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if recached.Version != "remote" {
		t.Errorf("cache holds version %q after refetch, want %q", recached.Version, "remote")
	}
}

func TestLoadIgnoresCorruptCache(t *testing.T) {
	mgr := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(testManifest(time.Now().UTC().Format(time.RFC3339)))
	}))
	defer server.Close()

	if err := os.WriteFile(mgr.CachePath(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt cache: %v", err)
	}

	got, err := mgr.Load(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Version != "1" {
		t.Errorf("Load() returned version %q, want remote copy", got.Version)
	}
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	mgr := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := mgr.Fetch(context.Background(), server.URL); err == nil {
		t.Fatal("Fetch() expected error for 404 response")
	}
}

func TestFindCompatiblePacks(t *testing.T) {
	mgr := newTestManager(t)
	manifest := testManifest(time.Now().UTC().Format(time.RFC3339))

	tests := []struct {
		platformID string
		wantIDs    []string
	}{
		{"linux-x64", []string{"core-assets"}},
		{"macos-arm64", []string{"core-assets"}},
		{"windows-x64", []string{"windows-extras"}},
		{"plan9-mips", nil},
	}

	for _, tt := range tests {
		t.Run(tt.platformID, func(t *testing.T) {
			packs := mgr.FindCompatiblePacks(manifest, tt.platformID)
			if len(packs) != len(tt.wantIDs) {
				t.Fatalf("got %d packs, want %d", len(packs), len(tt.wantIDs))
			}
			for i, pack := range packs {
				if pack.ID != tt.wantIDs[i] {
					t.Errorf("pack[%d].ID = %q, want %q", i, pack.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestIsPackInstalled(t *testing.T) {
	mgr := newTestManager(t)

	pack := &Pack{
		ID: "core-assets",
		Files: []ContentFile{
			{Path: "data/core.bin", Size: 11, SHA256: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
		},
	}

	if mgr.IsPackInstalled(pack) {
		t.Error("IsPackInstalled() = true before any files exist")
	}

	packDir := filepath.Join(mgr.ContentDir(), pack.ID)
	if err := os.MkdirAll(filepath.Join(packDir, "data"), 0o755); err != nil {
		t.Fatal(err)
	}

	if mgr.IsPackInstalled(pack) {
		t.Error("IsPackInstalled() = true with directory but no files")
	}

	filePath := filepath.Join(packDir, "data", "core.bin")
	if err := os.WriteFile(filePath, []byte("hello worl!"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Same length, wrong bytes. The size check deliberately accepts this;
	// VerifyInstalledPack is the paranoid path.
	if !mgr.IsPackInstalled(pack) {
		t.Error("IsPackInstalled() = false for file with declared size")
	}

	status, err := mgr.VerifyInstalledPack(pack)
	if err != nil {
		t.Fatalf("VerifyInstalledPack() error = %v", err)
	}
	if status != StatusCorrupted {
		t.Errorf("VerifyInstalledPack() = %q, want %q", status, StatusCorrupted)
	}

	if err := os.WriteFile(filePath, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	status, err = mgr.VerifyInstalledPack(pack)
	if err != nil {
		t.Fatalf("VerifyInstalledPack() error = %v", err)
	}
	if status != StatusInstalled {
		t.Errorf("VerifyInstalledPack() = %q, want %q", status, StatusInstalled)
	}

	if err := os.WriteFile(filePath, []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}
	if mgr.IsPackInstalled(pack) {
		t.Error("IsPackInstalled() = true for file with wrong size")
	}
}

func TestVerifyInstalledPackAbsent(t *testing.T) {
	mgr := newTestManager(t)

	status, err := mgr.VerifyInstalledPack(&Pack{ID: "never-installed"})
	if err != nil {
		t.Fatalf("VerifyInstalledPack() error = %v", err)
	}
	if status != StatusNotInstalled {
		t.Errorf("VerifyInstalledPack() = %q, want %q", status, StatusNotInstalled)
	}
}

func TestInstallationStatus(t *testing.T) {
	mgr := newTestManager(t)
	manifest := testManifest(time.Now().UTC().Format(time.RFC3339))

	status := mgr.InstallationStatus(manifest, "linux-x64")
	if got := status["core-assets"]; got != StatusNotInstalled {
		t.Errorf("status[core-assets] = %q, want %q", got, StatusNotInstalled)
	}
	if _, ok := status["windows-extras"]; ok {
		t.Error("status includes pack with no matching platform")
	}

	packDir := filepath.Join(mgr.ContentDir(), "core-assets", "data")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(packDir, "core.bin"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	status = mgr.InstallationStatus(manifest, "linux-x64")
	if got := status["core-assets"]; got != StatusInstalled {
		t.Errorf("status[core-assets] = %q, want %q", got, StatusInstalled)
	}
}

func TestCheckAppCompatibility(t *testing.T) {
	mgr := newTestManager(t)

	tests := []struct {
		name       string
		constraint string
		appVersion string
		wantErr    bool
	}{
		{"satisfied range", ">= 1.0.0", "1.2.3", false},
		{"unsatisfied range", ">= 2.0.0", "1.2.3", true},
		{"caret range", "^1.0.0", "1.9.0", false},
		{"empty constraint", "", "0.0.1", false},
		{"exact string fallback match", "dev-build", "dev-build", false},
		{"exact string fallback mismatch", "dev-build", "1.0.0", true},
		{"unparsable app version", ">= 1.0.0", "not-a-version", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifest := &Manifest{AppVersion: tt.constraint}
			err := mgr.CheckAppCompatibility(manifest, tt.appVersion)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckAppCompatibility(%q, %q) error = %v, wantErr %v", tt.constraint, tt.appVersion, err, tt.wantErr)
			}
		})
	}
}

func TestVerifyManifestSignature(t *testing.T) {
	mgr := newTestManager(t)
	signer := crypto.NewManager(crypto.Config{
		VerifyKey: []byte("test-signing-key"),
		SignKey:   []byte("test-signing-key"),
	})

	manifest := testManifest(time.Now().UTC().Format(time.RFC3339))

	res := mgr.Verify(manifest)
	if res.Status != crypto.SignatureMissing {
		t.Fatalf("Verify() unsigned = %v, want %v", res.Status, crypto.SignatureMissing)
	}

	payload, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	manifest.Signature = sig

	res = mgr.Verify(manifest)
	if res.Status != crypto.SignatureValid {
		t.Fatalf("Verify() = %v (err %v), want %v", res.Status, res.Err, crypto.SignatureValid)
	}

	manifest.ContentPacks[0].Version = "9.9.9"
	res = mgr.Verify(manifest)
	if res.Status != crypto.SignatureInvalid {
		t.Errorf("Verify() tampered = %v, want %v", res.Status, crypto.SignatureInvalid)
	}
}

func TestValidatePack(t *testing.T) {
	tests := []struct {
		name    string
		pack    Pack
		wantErr bool
	}{
		{
			name: "valid",
			pack: Pack{
				TotalSize: 30,
				Files: []ContentFile{
					{Path: "bin/tool", Size: 10},
					{Path: "docs/readme.md", Size: 20},
				},
			},
			wantErr: false,
		},
		{
			name: "traversal path",
			pack: Pack{
				TotalSize: 10,
				Files:     []ContentFile{{Path: "../escape", Size: 10}},
			},
			wantErr: true,
		},
		{
			name: "absolute path",
			pack: Pack{
				TotalSize: 10,
				Files:     []ContentFile{{Path: "/etc/passwd", Size: 10}},
			},
			wantErr: true,
		},
		{
			name: "duplicate path",
			pack: Pack{
				TotalSize: 20,
				Files: []ContentFile{
					{Path: "bin/tool", Size: 10},
					{Path: "bin/tool", Size: 10},
				},
			},
			wantErr: true,
		},
		{
			name: "size mismatch",
			pack: Pack{
				TotalSize: 99,
				Files:     []ContentFile{{Path: "bin/tool", Size: 10}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePack(&tt.pack)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePack() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMissingDependencies(t *testing.T) {
	mgr := newTestManager(t)
	manifest := testManifest(time.Now().UTC().Format(time.RFC3339))

	pack := &Pack{ID: "addon", Dependencies: []string{"core-assets", "other"}}
	status := map[string]PackStatus{"core-assets": StatusInstalled}

	missing := mgr.MissingDependencies(manifest, pack, status)
	if len(missing) != 1 || missing[0] != "other" {
		t.Errorf("MissingDependencies() = %v, want [other]", missing)
	}

	status["other"] = StatusInstalled
	if missing := mgr.MissingDependencies(manifest, pack, status); len(missing) != 0 {
		t.Errorf("MissingDependencies() = %v, want empty", missing)
	}
}
