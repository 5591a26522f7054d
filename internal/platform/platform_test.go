package platform

import (
	"context"
	"strings"
	"testing"
)

func TestNormalizeArch(t *testing.T) {
	tests := []struct {
		name    string
		arch    string
		want    string
		wantErr bool
	}{
		{name: "amd64", arch: "amd64", want: "x64"},
		{name: "x86_64_alias", arch: "x86_64", want: "x64"},
		{name: "arm64", arch: "arm64", want: "arm64"},
		{name: "aarch64_alias", arch: "aarch64", want: "arm64"},
		{name: "386_unsupported", arch: "386", wantErr: true},
		{name: "riscv64_unsupported", arch: "riscv64", wantErr: true},
		{name: "empty", arch: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeArch(tt.arch)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q, got %q", tt.arch, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("normalizeArch(%q) = %q, want %q", tt.arch, got, tt.want)
			}
		})
	}
}

func TestNormalizeOS(t *testing.T) {
	tests := []struct {
		name    string
		goos    string
		want    string
		wantErr bool
	}{
		{name: "linux", goos: "linux", want: "linux"},
		{name: "darwin_maps_to_macos", goos: "darwin", want: "macos"},
		{name: "windows", goos: "windows", want: "windows"},
		{name: "plan9_unsupported", goos: "plan9", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeOS(tt.goos)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q, got %q", tt.goos, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("normalizeOS(%q) = %q, want %q", tt.goos, got, tt.want)
			}
		})
	}
}

func TestInfoID(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{name: "linux_x64", info: Info{OS: "linux", Arch: "x64"}, want: "linux-x64"},
		{name: "macos_arm64", info: Info{OS: "macos", Arch: "arm64"}, want: "macos-arm64"},
		{name: "windows_x64", info: Info{OS: "windows", Arch: "x64"}, want: "windows-x64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.ID(); got != tt.want {
				t.Errorf("ID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRealDetectorDetect(t *testing.T) {
	detector := NewDetector()

	info, err := detector.Detect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.OS == "" || info.Arch == "" {
		t.Errorf("expected OS and Arch to be set, got %+v", info)
	}

	if !strings.Contains(info.ID(), "-") {
		t.Errorf("platform id should contain a separator, got %q", info.ID())
	}
}

func TestStaticDetector(t *testing.T) {
	static := &Static{Info: Info{OS: "linux", Arch: "arm64"}}

	info, err := static.Detect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.ID() != "linux-arm64" {
		t.Errorf("unexpected id: %s", info.ID())
	}

	// Mutating the returned Info must not affect the detector.
	info.OS = "windows"
	again, _ := static.Detect(context.Background())
	if again.OS != "linux" {
		t.Error("Detect should return a copy")
	}
}
