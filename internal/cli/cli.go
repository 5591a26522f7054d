// Package cli provides the packset command-line interface.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/packset/packset/internal/config"
	"github.com/packset/packset/internal/crypto"
	"github.com/packset/packset/internal/journal"
	"github.com/packset/packset/internal/logger"
	"github.com/packset/packset/internal/manifest"
	"github.com/packset/packset/internal/pack"
	"github.com/packset/packset/internal/platform"
)

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:     "packset",
		Usage:    "Download, verify, and install content packs",
		Version:  "1.0.0",
		Compiled: time.Now(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to packset.lua config file",
				EnvVars: []string{"PACKSET_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"PACKSET_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "log format (text, json)",
				EnvVars: []string{"PACKSET_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "manifest-url",
				Usage:   "override the manifest URL from config",
				EnvVars: []string{"PACKSET_MANIFEST_URL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show installation status of all compatible packs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "output",
						Value: "text",
						Usage: "output format (text, json)",
					},
				},
				Action: statusCommand,
			},
			{
				Name:      "install",
				Usage:     "Download and install content packs",
				ArgsUsage: "[pack-id...]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "all",
						Usage: "install every compatible pack",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "reinstall packs that are already installed",
					},
				},
				Action: installCommand,
			},
			{
				Name:  "manifest",
				Usage: "Fetch the manifest and check its signature",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "signature",
						Usage: "detached PGP signature file to verify against the keyring",
					},
				},
				Action: manifestCommand,
			},
			{
				Name:      "verify",
				Usage:     "Re-hash installed packs against the manifest",
				ArgsUsage: "[pack-id...]",
				Action:    verifyCommand,
			},
			{
				Name:      "journal",
				Usage:     "Show recorded download outcomes",
				ArgsUsage: "[pack-id]",
				Action:    journalCommand,
			},
		},
	}
}

// env holds the wired-up dependencies shared by the commands.
type env struct {
	cfg      *config.Config
	log      logger.Logger
	platform *platform.Info
	crypto   *crypto.Manager
	mans     *manifest.Manager
}

// setup loads config, logging, platform detection, and the manifest
// manager for a command invocation.
func setup(c *cli.Context) (*env, error) {
	detector := platform.NewDetector()

	loader := config.NewLoader(detector)
	path := c.String("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := loader.Load(c.Context, path)
	if err != nil {
		return nil, err
	}

	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if format := c.String("log-format"); format != "" {
		cfg.LogFormat = format
	}
	if url := c.String("manifest-url"); url != "" {
		cfg.ManifestURL = url
	}
	if cfg.ManifestURL == "" {
		return nil, fmt.Errorf("no manifest URL configured; set manifest_url in %s or pass --manifest-url", path)
	}

	slogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	log := logger.FromSlog(slogger)

	info, err := detector.Detect(c.Context)
	if err != nil {
		return nil, fmt.Errorf("detect platform: %w", err)
	}

	verifyKey, err := cfg.LoadVerifyKey()
	if err != nil {
		return nil, err
	}
	cm := crypto.NewManager(crypto.Config{VerifyKey: verifyKey})

	mans, err := manifest.NewManager(manifest.Config{
		ContentDir: cfg.ContentDir,
		CacheDir:   cfg.CacheDir,
		Crypto:     cm,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, log: log, platform: info, crypto: cm, mans: mans}, nil
}

// loadManifest loads the manifest, checks app compatibility, and checks
// the keyed-MAC signature when a verify key is configured.
func (e *env) loadManifest(c *cli.Context) (*manifest.Manifest, error) {
	m, err := e.mans.Load(c.Context, e.cfg.ManifestURL)
	if err != nil {
		return nil, err
	}

	if err := e.mans.CheckAppCompatibility(m, e.cfg.AppVersion); err != nil {
		return nil, err
	}

	res := e.mans.Verify(m)
	switch res.Status {
	case crypto.SignatureValid:
		e.log.Debug("manifest signature valid")
	case crypto.SignatureMissing:
		e.log.Warn("manifest carries no signature")
	case crypto.SignatureNoKey:
		e.log.Warn("manifest is signed but no verify key is configured")
	case crypto.SignatureInvalid:
		return nil, fmt.Errorf("manifest signature verification failed")
	default:
		return nil, fmt.Errorf("verify manifest signature: %w", res.Err)
	}

	return m, nil
}

func statusCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}

	m, err := e.loadManifest(c)
	if err != nil {
		return err
	}

	status := e.mans.InstallationStatus(m, e.platform.ID())

	if c.String("output") == "json" {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	ids := make([]string, 0, len(status))
	for id := range status {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(c.App.Writer, "Platform: %s\n\n", e.platform.ID())
	for _, id := range ids {
		fmt.Fprintf(c.App.Writer, "%-32s %s\n", id, status[id])
	}
	return nil
}

func installCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}

	m, err := e.loadManifest(c)
	if err != nil {
		return err
	}

	platformID := e.platform.ID()
	compatible := e.mans.FindCompatiblePacks(m, platformID)
	status := e.mans.InstallationStatus(m, platformID)

	var targets []manifest.Pack
	if c.Bool("all") {
		targets = compatible
	} else {
		if c.NArg() == 0 {
			return fmt.Errorf("no packs named; pass pack ids or --all")
		}
		byID := make(map[string]manifest.Pack, len(compatible))
		for _, p := range compatible {
			byID[p.ID] = p
		}
		for _, id := range c.Args().Slice() {
			p, ok := byID[id]
			if !ok {
				return fmt.Errorf("pack %s not in manifest for platform %s", id, platformID)
			}
			targets = append(targets, p)
		}
	}

	j, err := journal.Open(e.cfg.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	sink := newWaitSink(c.App.Writer)
	dl, err := pack.NewDownloader(pack.Config{
		ContentDir: e.cfg.ContentDir,
		Crypto:     e.crypto,
		Sink:       sink,
		Logger:     e.log,
		Journal:    j,
	})
	if err != nil {
		return err
	}

	started := 0
	for _, p := range targets {
		if !c.Bool("force") && status[p.ID] == manifest.StatusInstalled {
			fmt.Fprintf(c.App.Writer, "%s already installed, skipping\n", p.ID)
			continue
		}
		if missing := e.mans.MissingDependencies(m, &p, status); len(missing) > 0 {
			e.log.Warn("pack has uninstalled dependencies", "pack", p.ID, "missing", missing)
		}
		// Register with the sink first: a fast-failing download may reach
		// its terminal event before DownloadPack returns.
		sink.expect(p.ID)
		if err := dl.DownloadPack(c.Context, &p, platformID); err != nil {
			sink.unexpect(p.ID)
			return err
		}
		started++
	}

	if started == 0 {
		fmt.Fprintln(c.App.Writer, "nothing to install")
		return nil
	}

	failed := sink.wait()
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d pack installs failed: %v", len(failed), started, failed)
	}
	fmt.Fprintf(c.App.Writer, "installed %d pack(s)\n", started)
	return nil
}

func manifestCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}

	m, err := e.loadManifest(c)
	if err != nil {
		return err
	}

	if sigPath := c.String("signature"); sigPath != "" {
		if e.cfg.KeyringFile == "" {
			return fmt.Errorf("no keyring_file configured for PGP verification")
		}
		err := e.mans.VerifyPublisherSignature(e.mans.CachePath(), sigPath, e.cfg.KeyringFile)
		if err != nil {
			return fmt.Errorf("publisher signature: %w", err)
		}
		fmt.Fprintln(c.App.Writer, "publisher signature: valid")
	}

	fmt.Fprintf(c.App.Writer, "manifest version: %s\n", m.Version)
	fmt.Fprintf(c.App.Writer, "generated at:     %s\n", m.GeneratedAt)
	fmt.Fprintf(c.App.Writer, "app constraint:   %s\n", m.AppVersion)
	fmt.Fprintf(c.App.Writer, "content packs:    %d\n", len(m.ContentPacks))
	for _, p := range m.ContentPacks {
		fmt.Fprintf(c.App.Writer, "  %-32s %s (%d files)\n", p.ID, p.Version, len(p.Files))
	}
	return nil
}

func verifyCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}

	m, err := e.loadManifest(c)
	if err != nil {
		return err
	}

	targets := e.mans.FindCompatiblePacks(m, e.platform.ID())
	if c.NArg() > 0 {
		want := make(map[string]bool, c.NArg())
		for _, id := range c.Args().Slice() {
			want[id] = true
		}
		var filtered []manifest.Pack
		for _, p := range targets {
			if want[p.ID] {
				filtered = append(filtered, p)
			}
		}
		targets = filtered
	}

	var corrupted int
	for _, p := range targets {
		st, err := e.mans.VerifyInstalledPack(&p)
		if err != nil {
			return fmt.Errorf("verify %s: %w", p.ID, err)
		}
		fmt.Fprintf(c.App.Writer, "%-32s %s\n", p.ID, st)
		if st == manifest.StatusCorrupted {
			corrupted++
		}
	}

	if corrupted > 0 {
		return fmt.Errorf("%d pack(s) failed verification", corrupted)
	}
	return nil
}

func journalCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}

	j, err := journal.Open(e.cfg.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	var entries []journal.Entry
	if c.NArg() > 0 {
		entries, err = j.ForPack(c.Args().First())
	} else {
		entries, err = j.List()
	}
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(c.App.Writer, "no recorded downloads")
		return nil
	}

	for _, entry := range entries {
		line := fmt.Sprintf("%s  %-32s %-10s %d bytes",
			entry.FinishedAt.Format(time.RFC3339), entry.PackID, entry.Status, entry.BytesDownloaded)
		if entry.Error != "" {
			line += "  " + entry.Error
		}
		fmt.Fprintln(c.App.Writer, line)
	}
	return nil
}

// waitSink prints download lifecycle events and lets the install command
// block until every expected pack reaches a terminal state.
type waitSink struct {
	w io.Writer

	mu        sync.Mutex
	expected  map[string]bool
	failed    []string
	lastPhase map[string]pack.Phase
	done      chan struct{}
	pending   int
}

func newWaitSink(w io.Writer) *waitSink {
	return &waitSink{
		w:         w,
		expected:  make(map[string]bool),
		lastPhase: make(map[string]pack.Phase),
		done:      make(chan struct{}),
	}
}

func (s *waitSink) expect(packID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[packID] = true
	s.pending++
}

// unexpect withdraws a pack that never actually started.
func (s *waitSink) unexpect(packID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expected[packID] {
		delete(s.expected, packID)
		s.pending--
	}
}

// wait blocks until every expected pack finished and returns the ids
// that failed.
func (s *waitSink) wait() []string {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failed...)
}

func (s *waitSink) Emit(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event {
	case pack.EventProgress:
		p, ok := payload.(pack.Progress)
		if !ok {
			return
		}
		if s.lastPhase[p.PackID] != p.Phase {
			s.lastPhase[p.PackID] = p.Phase
			fmt.Fprintf(s.w, "%s: %s\n", p.PackID, p.Phase)
		}
	case pack.EventComplete:
		p, ok := payload.(pack.Progress)
		if !ok {
			return
		}
		fmt.Fprintf(s.w, "%s: complete (%d bytes)\n", p.PackID, p.BytesDownloaded)
		s.finish(p.PackID, "")
	case pack.EventError:
		p, ok := payload.(pack.Progress)
		if !ok {
			return
		}
		msg := p.ErrorMessage
		if msg == "" {
			msg = "download failed"
		}
		fmt.Fprintf(s.w, "%s: failed: %s\n", p.PackID, msg)
		s.finish(p.PackID, msg)
	}
}

// finish marks a pack terminal. Callers hold s.mu.
func (s *waitSink) finish(packID, errMsg string) {
	if !s.expected[packID] {
		return
	}
	delete(s.expected, packID)
	if errMsg != "" {
		s.failed = append(s.failed, packID)
	}
	s.pending--
	if s.pending == 0 {
		close(s.done)
	}
}
