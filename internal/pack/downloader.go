package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/packset/packset/internal/crypto"
	"github.com/packset/packset/internal/logger"
	"github.com/packset/packset/internal/manifest"
)

const (
	// DefaultTimeout bounds the whole HTTP transfer of one archive.
	DefaultTimeout = 30 * time.Minute

	// progressInterval is how often transfer progress is published.
	progressInterval = 250 * time.Millisecond

	// copyBufferSize is the chunk size for the transfer loop. Context
	// cancellation is observed between chunks.
	copyBufferSize = 64 * 1024

	userAgent = "packset/1.0 (download)"
)

var (
	// ErrAlreadyDownloading is returned when a pack already has a
	// non-terminal download in flight.
	ErrAlreadyDownloading = errors.New("pack is already downloading")

	// ErrDownloadNotFound is returned for operations on an unknown pack.
	ErrDownloadNotFound = errors.New("no download found for pack")

	// ErrNotPaused is returned by Resume when the download is not paused.
	ErrNotPaused = errors.New("download is not paused")
)

// Outcome is the durable record of one finished download attempt.
type Outcome struct {
	PackID          string
	PackVersion     string
	PlatformID      string
	Status          Status
	BytesDownloaded int64
	Duration        time.Duration
	Error           string
	FinishedAt      time.Time
}

// OutcomeRecorder persists download outcomes.
type OutcomeRecorder interface {
	Record(Outcome) error
}

// Downloader runs content pack downloads through the full pipeline and
// tracks their progress. All methods are safe for concurrent use.
type Downloader struct {
	contentDir string
	client     *http.Client
	crypto     *crypto.Manager
	tools      ToolResolver
	sink       EventSink
	logger     logger.Logger
	journal    OutcomeRecorder

	registry registry
}

// Config holds configuration for the downloader.
type Config struct {
	// ContentDir is the pack installation root. Required.
	ContentDir string

	// Crypto verifies archive digests and signatures. Required.
	Crypto *crypto.Manager

	// Tools locates tar and unzip. Defaults to PathResolver.
	Tools ToolResolver

	// Sink receives progress and lifecycle events. Defaults to NoopSink.
	Sink EventSink

	// Logger defaults to a no-op logger.
	Logger logger.Logger

	// Client defaults to an http.Client with DefaultTimeout.
	Client *http.Client

	// Journal records finished attempts. Optional; recording failures
	// are logged, never fatal.
	Journal OutcomeRecorder
}

// NewDownloader creates a downloader, creating the content directory if
// needed.
func NewDownloader(cfg Config) (*Downloader, error) {
	if cfg.ContentDir == "" {
		return nil, fmt.Errorf("ContentDir is required")
	}
	if cfg.Crypto == nil {
		return nil, fmt.Errorf("Crypto is required")
	}
	if err := os.MkdirAll(cfg.ContentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}

	d := &Downloader{
		contentDir: cfg.ContentDir,
		client:     cfg.Client,
		crypto:     cfg.Crypto,
		tools:      cfg.Tools,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		journal:    cfg.Journal,
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: DefaultTimeout}
	}
	if d.tools == nil {
		d.tools = PathResolver{}
	}
	if d.sink == nil {
		d.sink = NoopSink{}
	}
	if d.logger == nil {
		d.logger = logger.Noop()
	}

	return d, nil
}

// DownloadPack validates the pack and starts its download in the
// background. It returns ErrAlreadyDownloading if the pack has a
// non-terminal download registered; a finished download may be started
// again.
func (d *Downloader) DownloadPack(ctx context.Context, pack *manifest.Pack, platformID string) error {
	if err := manifest.ValidatePack(pack); err != nil {
		return fmt.Errorf("invalid pack %s: %w", pack.ID, err)
	}

	platform, ok := pack.FindPlatform(platformID)
	if !ok {
		return fmt.Errorf("pack %s has no variant for platform %s", pack.ID, platformID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		progress: Progress{
			PackID:     pack.ID,
			TotalBytes: platform.CompressedSize,
			Phase:      PhasePreparing,
			Status:     StatusActive,
			StartedAt:  time.Now(),
			Resumable:  true,
		},
		cancel: cancel,
	}

	if !d.registry.add(pack.ID, h) {
		cancel()
		return fmt.Errorf("%w: %s", ErrAlreadyDownloading, pack.ID)
	}

	p := *pack
	plat := *platform
	go d.run(runCtx, h, &p, &plat, platformID)

	return nil
}

// run executes the pipeline and handles terminal state, events, and
// journaling.
func (d *Downloader) run(ctx context.Context, h *handle, pack *manifest.Pack, platform *manifest.Platform, platformID string) {
	defer h.cancel()

	err := d.pipeline(ctx, h, pack, platform)

	var status Status
	switch {
	case err == nil:
		status = StatusCompleted
	case errors.Is(err, context.Canceled) || h.Snapshot().Status == StatusCancelled:
		status = StatusCancelled
		err = errors.New("download cancelled")
	default:
		status = StatusError
	}

	h.update(func(p *Progress) {
		p.Status = status
		if status == StatusCompleted {
			p.Phase = PhaseComplete
			p.Percentage = 100
		}
		if err != nil {
			p.ErrorMessage = err.Error()
		}
	})

	snap := h.Snapshot()
	if err == nil {
		d.logger.Info("pack download complete", "pack", pack.ID, "bytes", snap.BytesDownloaded)
		d.sink.Emit(EventComplete, snap)
	} else {
		d.logger.Error("pack download failed", "pack", pack.ID, "status", status, "error", err)
		d.sink.Emit(EventError, snap)
	}

	if d.journal != nil {
		outcome := Outcome{
			PackID:          pack.ID,
			PackVersion:     pack.Version,
			PlatformID:      platformID,
			Status:          status,
			BytesDownloaded: snap.BytesDownloaded,
			Duration:        time.Since(snap.StartedAt),
			FinishedAt:      time.Now(),
		}
		if err != nil {
			outcome.Error = err.Error()
		}
		if recErr := d.journal.Record(outcome); recErr != nil {
			d.logger.Warn("failed to record download outcome", "pack", pack.ID, "error", recErr)
		}
	}
}

// pipeline runs the download phases in order. Cancellation is checked at
// every phase boundary and inside the transfer loop.
func (d *Downloader) pipeline(ctx context.Context, h *handle, pack *manifest.Pack, platform *manifest.Platform) error {
	d.setPhase(h, PhasePreparing)

	scratchDir, err := crypto.SecureTempDir()
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratchDir); rmErr != nil {
			d.logger.Warn("failed to remove scratch dir", "dir", scratchDir, "error", rmErr)
		}
	}()

	// The archive lives at a deterministic path outside the per-attempt
	// scratch dir so a failed transfer can be resumed by a later attempt.
	archivePath, err := d.partialArchivePath(pack, platform)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	d.setPhase(h, PhaseDownloading)
	if err := d.downloadArchive(ctx, h, platform.DownloadURL, archivePath); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	d.setPhase(h, PhaseVerifying)
	if err := d.verifyChecksum(archivePath, platform.SHA256); err != nil {
		// A complete archive with the wrong digest must not seed a resume.
		os.Remove(archivePath)
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	d.setPhase(h, PhaseSignatureCheck)
	if err := d.verifySignature(pack.ID, archivePath, platform.Signature); err != nil {
		os.Remove(archivePath)
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	d.setPhase(h, PhaseExtracting)
	extractDir, err := extractArchive(ctx, d.tools, archivePath, platform.Format, scratchDir)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	d.setPhase(h, PhaseInstalling)
	if err := d.installFiles(pack, extractDir); err != nil {
		return err
	}

	// Cleanup is reached only when every phase succeeded; a failure
	// leaves the failing phase visible in the terminal snapshot.
	d.setPhase(h, PhaseCleanup)
	if rmErr := os.Remove(archivePath); rmErr != nil {
		d.logger.Warn("failed to remove archive", "path", archivePath, "error", rmErr)
	}
	return nil
}

// partialArchivePath returns the stable path for a pack's archive under
// the content root, creating its directory. The name is keyed by
// platform and version so a leftover partial never seeds a resume of a
// different release.
func (d *Downloader) partialArchivePath(pack *manifest.Pack, platform *manifest.Platform) (string, error) {
	dir := filepath.Join(d.contentDir, ".downloads")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create partial dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.%s", pack.ID, platform.ID, pack.Version, archiveExt(platform.Format))
	return filepath.Join(dir, name), nil
}

// downloadArchive transfers the archive, resuming from an existing
// partial file via a byte-range request when the server honors it.
func (d *Downloader) downloadArchive(ctx context.Context, h *handle, url, destPath string) error {
	var offset int64
	if info, err := os.Stat(destPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the range request; restart from zero.
		offset = 0
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	total := offset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = h.Snapshot().TotalBytes
	}

	file, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer file.Close()

	downloaded := offset
	lastBytes := downloaded
	lastTick := time.Now()
	h.update(func(p *Progress) {
		p.BytesDownloaded = downloaded
		p.TotalBytes = total
	})

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	buf := make([]byte, copyBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			elapsed := now.Sub(lastTick).Seconds()
			speed := float64(downloaded-lastBytes) / elapsed
			lastBytes = downloaded
			lastTick = now
			d.publishTransfer(h, downloaded, total, speed)
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write archive: %w", writeErr)
			}
			downloaded += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read response body: %w", readErr)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync archive file: %w", err)
	}

	d.publishTransfer(h, downloaded, total, 0)
	return nil
}

// publishTransfer updates transfer progress and emits a progress event.
func (d *Downloader) publishTransfer(h *handle, downloaded, total int64, speed float64) {
	h.update(func(p *Progress) {
		p.BytesDownloaded = downloaded
		p.TotalBytes = total
		if total > 0 {
			p.Percentage = float64(downloaded) / float64(total) * 100
		}
		if speed > 0 {
			p.SpeedBPS = speed
			p.SpeedFormatted = formatSpeed(speed)
			if remaining := total - downloaded; remaining > 0 {
				p.ETA = formatETA(int64(float64(remaining) / speed))
			}
		}
	})
	d.sink.Emit(EventProgress, h.Snapshot())
}

// verifyChecksum checks the downloaded archive's digest.
func (d *Downloader) verifyChecksum(archivePath, expected string) error {
	res := d.crypto.VerifyFileHash(archivePath, expected)
	switch res.Status {
	case crypto.HashValid:
		return nil
	case crypto.HashInvalid:
		return fmt.Errorf("archive checksum mismatch")
	default:
		return fmt.Errorf("verify archive checksum: %w", res.Err)
	}
}

// verifySignature checks the archive's keyed-MAC signature when the
// manifest carries one. An absent signature skips the phase; a present
// signature that cannot be verified, for any reason, is fatal.
func (d *Downloader) verifySignature(packID, archivePath, signature string) error {
	if signature == "" {
		d.logger.Debug("no archive signature in manifest", "pack", packID)
		return nil
	}

	res := d.crypto.VerifyFileSignature(archivePath, signature)
	switch res.Status {
	case crypto.SignatureValid:
		return nil
	case crypto.SignatureNoKey:
		return fmt.Errorf("public key not available for signature verification")
	case crypto.SignatureInvalid:
		return fmt.Errorf("archive signature verification failed")
	default:
		return fmt.Errorf("verify archive signature: %w", res.Err)
	}
}

// installFiles moves every declared file from the extract directory into
// the pack's install directory, re-verifying each digest after the move.
// There is no rollback: files moved before a failure stay in place.
func (d *Downloader) installFiles(pack *manifest.Pack, extractDir string) error {
	packDir := filepath.Join(d.contentDir, pack.ID)
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return fmt.Errorf("create pack dir: %w", err)
	}

	for _, file := range pack.Files {
		if err := crypto.ValidateSafePath(file.Path); err != nil {
			return fmt.Errorf("file %q: %w", file.Path, err)
		}

		src := filepath.Join(extractDir, filepath.FromSlash(file.Path))
		dst := filepath.Join(packDir, filepath.FromSlash(file.Path))

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", file.Path, err)
		}

		if err := crypto.SecureMove(src, dst); err != nil {
			var stale *crypto.StaleSourceError
			if errors.As(err, &stale) {
				// Destination is intact; the leftover source is in the
				// scratch dir and removed during cleanup.
				d.logger.Warn("source file left behind after move", "source", stale.Source, "error", stale.Err)
			} else {
				return fmt.Errorf("install %s: %w", file.Path, err)
			}
		}

		if file.Executable {
			if err := os.Chmod(dst, 0o755); err != nil {
				return fmt.Errorf("set executable %s: %w", file.Path, err)
			}
		}

		res := d.crypto.VerifyFileHash(dst, file.SHA256)
		switch res.Status {
		case crypto.HashValid:
		case crypto.HashInvalid:
			return fmt.Errorf("installed file %s failed verification", file.Path)
		default:
			return fmt.Errorf("verify installed file %s: %w", file.Path, res.Err)
		}
	}

	return nil
}

// GetProgress returns the progress snapshot for a pack.
func (d *Downloader) GetProgress(packID string) (Progress, error) {
	h, ok := d.registry.get(packID)
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrDownloadNotFound, packID)
	}
	return h.Snapshot(), nil
}

// Downloads returns progress snapshots for every registered download,
// terminal ones included.
func (d *Downloader) Downloads() []Progress {
	return d.registry.snapshots()
}

// Cancel stops a download. The cancellation is observed between chunks
// of the transfer and at the next phase boundary.
func (d *Downloader) Cancel(packID string) error {
	h, ok := d.registry.get(packID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDownloadNotFound, packID)
	}

	var terminal bool
	h.update(func(p *Progress) {
		terminal = p.Status.Terminal()
		if !terminal {
			p.Status = StatusCancelled
		}
	})
	if terminal {
		return fmt.Errorf("download for %s already finished", packID)
	}

	h.cancel()
	d.logger.Info("download cancelled", "pack", packID)
	return nil
}

// Pause marks a download paused. The transfer itself keeps running; the
// flag is advisory for UI consumers until pause gains transport support.
func (d *Downloader) Pause(packID string) error {
	h, ok := d.registry.get(packID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDownloadNotFound, packID)
	}

	var terminal bool
	h.update(func(p *Progress) {
		terminal = p.Status.Terminal()
		if !terminal {
			p.Status = StatusPaused
		}
	})
	if terminal {
		return fmt.Errorf("download for %s already finished", packID)
	}
	return nil
}

// Resume clears a paused download's flag.
func (d *Downloader) Resume(packID string) error {
	h, ok := d.registry.get(packID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDownloadNotFound, packID)
	}

	var resumed bool
	h.update(func(p *Progress) {
		if p.Status == StatusPaused {
			p.Status = StatusActive
			resumed = true
		}
	})
	if !resumed {
		return fmt.Errorf("%w: %s", ErrNotPaused, packID)
	}
	return nil
}

// setPhase records a phase transition unless the download was cancelled,
// and publishes it.
func (d *Downloader) setPhase(h *handle, phase Phase) {
	var cancelled bool
	h.update(func(p *Progress) {
		if p.Status == StatusCancelled {
			cancelled = true
			return
		}
		p.Phase = phase
	})
	if !cancelled {
		d.sink.Emit(EventProgress, h.Snapshot())
	}
}

// archiveExt derives the archive file extension for a manifest format.
func archiveExt(format string) string {
	switch strings.ToLower(format) {
	case "zip":
		return "zip"
	default:
		return "tar.gz"
	}
}
