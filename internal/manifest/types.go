// Package manifest models the content pack manifest and resolves the
// installed state of packs on disk.
//
// A manifest is a signed JSON index of the content packs a deployment
// publishes. Each pack carries one platform variant per supported target
// and a per-file inventory with sizes and SHA-256 digests. The Manager
// loads manifests cache-first with a 24 hour freshness window, matches
// packs against the host platform, and inspects the content directory to
// decide what is installed.
package manifest

// Manifest is the index of available content packs.
type Manifest struct {
	// Version is the manifest schema version for compatibility checking.
	Version string `json:"version"`

	// GeneratedAt is the RFC 3339 timestamp the manifest was generated.
	// Freshness is computed from this value, not from file mtime.
	GeneratedAt string `json:"generated_at"`

	// AppVersion is the application version this manifest is compatible
	// with. It may be a semver constraint (e.g. ">=2.2.0 <3.0.0").
	AppVersion string `json:"app_version"`

	// ContentPacks lists the packs available for download, in publisher
	// order.
	ContentPacks []Pack `json:"content_packs"`

	// Signature is the optional base64 keyed-MAC signature over the
	// manifest with this field empty.
	Signature string `json:"signature,omitempty"`
}

// Pack is an individual content pack definition.
type Pack struct {
	// ID uniquely and stably identifies this pack.
	ID string `json:"id"`

	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Required marks packs needed for basic functionality.
	Required bool `json:"required"`

	// Platforms holds one variant per supported target.
	Platforms []Platform `json:"platforms"`

	// TotalSize is the declared total uncompressed size in bytes. It
	// should equal the sum of the file sizes; ValidatePack checks this.
	TotalSize int64 `json:"total_size"`

	Files []ContentFile `json:"files"`

	// Dependencies lists pack ids this pack requires. The pipeline does
	// not resolve or order them; see Manager.MissingDependencies.
	Dependencies []string `json:"dependencies"`
}

// FindPlatform returns the variant matching a platform id.
func (p *Pack) FindPlatform(platformID string) (*Platform, bool) {
	for i := range p.Platforms {
		if p.Platforms[i].ID == platformID {
			return &p.Platforms[i], true
		}
	}
	return nil, false
}

// Platform is a platform-specific pack variant.
type Platform struct {
	// ID is the platform identifier, e.g. "linux-x64", "macos-arm64".
	ID string `json:"id"`

	// Name is the human-readable platform name.
	Name string `json:"name"`

	// DownloadURL is where this variant's archive is fetched from.
	DownloadURL string `json:"download_url"`

	// CompressedSize is the archive size in bytes.
	CompressedSize int64 `json:"compressed_size"`

	// SHA256 is the expected hex digest of the archive.
	SHA256 string `json:"sha256"`

	// Format is the archive format: "tar.gz" or "zip".
	Format string `json:"format"`

	// Signature is the optional base64 keyed-MAC signature of the archive.
	Signature string `json:"signature,omitempty"`
}

// ContentFile is a single file within a content pack.
type ContentFile struct {
	// Path is relative to the pack's install root. It must pass
	// crypto.ValidateSafePath before being joined to any directory.
	Path string `json:"path"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// SHA256 is the expected hex digest of the file.
	SHA256 string `json:"sha256"`

	// Executable marks files that need the executable bit set on install.
	Executable bool `json:"executable"`

	// FileType categorizes the file. Classification only; the sole
	// behavioral effect is the permission bit handling for executables.
	FileType FileType `json:"file_type"`
}

// FileType categorizes files in content packs.
type FileType string

const (
	FileTypeBinary FileType = "binary"
	FileTypeConfig FileType = "config"
	FileTypeDocs   FileType = "docs"
	FileTypeAsset  FileType = "asset"
	FileTypeOther  FileType = "other"
)

// PackStatus is the derived installation status of a pack.
type PackStatus string

const (
	// StatusInstalled means the pack directory exists and every declared
	// file is present with its declared byte length.
	StatusInstalled PackStatus = "installed"

	// StatusNotInstalled means the pack is absent.
	StatusNotInstalled PackStatus = "not_installed"

	// StatusDownloading means a download for the pack is in flight.
	StatusDownloading PackStatus = "downloading"

	// StatusFailed means the last download for the pack failed.
	StatusFailed PackStatus = "failed"

	// StatusInstalling means the pack is mid-extraction/install.
	StatusInstalling PackStatus = "installing"

	// StatusCorrupted means files are present but failed verification.
	StatusCorrupted PackStatus = "corrupted"
)
