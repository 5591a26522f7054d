package pack

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ToolResolver locates the external archive tools. The indirection exists
// so tests can substitute fakes without touching PATH.
type ToolResolver interface {
	// Tar returns the path of the tar executable.
	Tar() (string, error)
	// Unzip returns the path of the unzip executable.
	Unzip() (string, error)
}

// PathResolver resolves tools from the process PATH.
type PathResolver struct{}

func (PathResolver) Tar() (string, error) {
	return exec.LookPath("tar")
}

func (PathResolver) Unzip() (string, error) {
	return exec.LookPath("unzip")
}

// extractArchive unpacks an archive into a fresh directory under
// parentDir and returns that directory. Supported formats are "tar.gz",
// "tgz", and "zip". The external tool's stderr is included in any
// failure.
func extractArchive(ctx context.Context, tools ToolResolver, archivePath, format, parentDir string) (string, error) {
	destDir := filepath.Join(parentDir, "extract-"+uuid.NewString())
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create extract dir: %w", err)
	}

	var cmd *exec.Cmd
	switch strings.ToLower(format) {
	case "tar.gz", "tgz":
		tar, err := tools.Tar()
		if err != nil {
			return "", fmt.Errorf("locate tar: %w", err)
		}
		cmd = exec.CommandContext(ctx, tar, "-xzf", archivePath, "-C", destDir)
	case "zip":
		unzip, err := tools.Unzip()
		if err != nil {
			return "", fmt.Errorf("locate unzip: %w", err)
		}
		cmd = exec.CommandContext(ctx, unzip, "-q", archivePath, "-d", destDir)
	default:
		return "", fmt.Errorf("unsupported archive format: %s", format)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("extract archive: %w: %s", err, msg)
		}
		return "", fmt.Errorf("extract archive: %w", err)
	}

	return destDir, nil
}
