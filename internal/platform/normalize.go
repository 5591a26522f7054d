package platform

import "fmt"

// normalizeArch converts GOARCH values to the architecture names content
// manifests use. Only amd64 and arm64 targets ship content packs.
func normalizeArch(arch string) (string, error) {
	switch arch {
	case "amd64", "x86_64":
		return "x64", nil
	case "arm64", "aarch64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s (content packs support x64 and arm64 only)", arch)
	}
}

// normalizeOS converts GOOS values to the OS names content manifests use.
func normalizeOS(goos string) (string, error) {
	switch goos {
	case "linux":
		return "linux", nil
	case "darwin":
		return "macos", nil
	case "windows":
		return "windows", nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
