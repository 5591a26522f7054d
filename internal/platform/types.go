// Package platform identifies the host so content packs can be matched
// against the platform variants a manifest declares.
//
// Platform ids use the manifest naming scheme ("linux-x64", "macos-arm64",
// "windows-x64"), not raw GOOS/GOARCH values. On Linux the detector uses
// gopsutil to pick up a human-readable distribution label and falls back
// to bare OS/arch detection when that fails.
package platform

import "context"

// Info contains detected host platform information.
type Info struct {
	OS      string // "linux", "macos", "windows"
	Arch    string // "x64", "arm64" (normalized)
	ArchRaw string // original GOARCH (e.g. "amd64", "arm64")
	Label   string // human-readable label (Linux only, e.g. "ubuntu 22.04")
}

// ID returns the platform identifier used by content manifests,
// e.g. "linux-x64" or "macos-arm64".
func (i *Info) ID() string {
	return i.OS + "-" + i.Arch
}

// IsLinux returns true if the platform is Linux.
func (i *Info) IsLinux() bool {
	return i.OS == "linux"
}

// IsMacOS returns true if the platform is macOS.
func (i *Info) IsMacOS() bool {
	return i.OS == "macos"
}

// IsWindows returns true if the platform is Windows.
func (i *Info) IsWindows() bool {
	return i.OS == "windows"
}

// Detector is the interface for platform detection.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}

// Static is a Detector that returns a fixed Info. It is used in tests and
// by callers that already know the target platform.
type Static struct {
	Info Info
}

// Detect returns the fixed platform information.
func (s *Static) Detect(_ context.Context) (*Info, error) {
	info := s.Info
	return &info, nil
}
