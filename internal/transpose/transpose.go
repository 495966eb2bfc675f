// Package transpose implements the patch-sync pipeline: diff each manifest
// against its baseline, drop candidates the other side already carries,
// version-gate the set bound for Android, then copy the surviving patch
// files and append their records to the opposite manifest.
package transpose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/toolchain-tools/patchsync/internal/config"
	"github.com/toolchain-tools/patchsync/internal/patches"
	"github.com/toolchain-tools/patchsync/internal/toolchain"
	"github.com/toolchain-tools/patchsync/internal/vcs"
)

// ErrPathCollision indicates a patch file that already exists at its
// destination path. Transposition never overwrites.
var ErrPathCollision = errors.New("destination patch file already exists")

// Options control one transpose run.
type Options struct {
	// CrosRef and AndroidRef are the git refs of the baseline manifests.
	CrosRef    string
	AndroidRef string

	Sync     bool
	Verbose  bool
	DryRun   bool
	NoCommit bool

	// Out receives user-facing pipeline output (defaults to os.Stdout).
	Out io.Writer
}

// Engine orchestrates the transpose pipeline.
type Engine struct {
	cfg      *config.Config
	vcs      vcs.Client
	versions toolchain.VersionProvider
	logger   *slog.Logger
	opts     Options
}

// NewEngine creates a transpose engine.
func NewEngine(cfg *config.Config, vcsClient vcs.Client, versions toolchain.VersionProvider, logger *slog.Logger, opts Options) *Engine {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Engine{
		cfg:      cfg,
		vcs:      vcsClient,
		versions: versions,
		logger:   logger,
		opts:     opts,
	}
}

// Run executes the complete transpose pipeline.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting transpose",
		"cros_checkout", e.cfg.Cros.Checkout,
		"android_checkout", e.cfg.Android.Checkout,
		"dry_run", e.opts.DryRun)

	if e.opts.Sync {
		if err := e.syncCheckouts(ctx); err != nil {
			return err
		}
	}

	// Diff each side against its recorded baseline.
	crosBaseline, err := e.vcs.FileAtRef(ctx, e.cfg.Cros.Checkout, e.opts.CrosRef, e.cfg.Cros.PatchesFile)
	if err != nil {
		return fmt.Errorf("failed to read chromiumos baseline manifest at %s: %w", e.opts.CrosRef, err)
	}
	curCros, newCros, err := patches.NewSince(e.cfg.CrosPatchesPath(), crosBaseline, config.PlatformCros)
	if err != nil {
		return fmt.Errorf("failed to find new chromiumos patches: %w", err)
	}

	androidBaseline, err := e.vcs.FileAtRef(ctx, e.cfg.Android.Checkout, e.opts.AndroidRef, e.cfg.Android.PatchesFile)
	if err != nil {
		return fmt.Errorf("failed to read android baseline manifest at %s: %w", e.opts.AndroidRef, err)
	}
	curAndroid, newAndroid, err := patches.NewSince(e.cfg.AndroidPatchesPath(), androidBaseline, config.PlatformAndroid)
	if err != nil {
		return fmt.Errorf("failed to find new android patches: %w", err)
	}

	// A patch that is new on one side may already live on the other; those
	// must never be re-introduced.
	newCros = newCros.Subtract(curAndroid)
	newAndroid = newAndroid.Subtract(curCros)

	// The inserted record carries exactly its origin tag. A stale foreign
	// tag on the source record must not survive the transposition.
	newCros = newCros.FilterByPlatform(config.PlatformCros)
	newAndroid = newAndroid.FilterByPlatform(config.PlatformAndroid)

	// Candidates bound for the Android manifest must fit its current LLVM
	// version window.
	version, err := e.versions.Version(ctx, e.cfg.Android.Checkout)
	if err != nil {
		return fmt.Errorf("failed to resolve android llvm version: %w", err)
	}
	before := newCros.Len()
	newCros = newCros.Filter(func(r patches.Record) bool { return r.AppliesTo(version) })
	e.logger.Info("computed new patch sets",
		"android_llvm_version", version,
		"new_cros", newCros.Len(),
		"new_cros_version_filtered", before-newCros.Len(),
		"new_android", newAndroid.Len())

	if e.opts.Verbose {
		e.displayPatches("New patches from Chromium OS", newCros)
		e.displayPatches("New patches from Android", newAndroid)
	}

	if e.opts.DryRun {
		if err := e.printPlannedDiff(newCros, curAndroid); err != nil {
			return err
		}
		if err := e.printPlannedDiff(newAndroid, curCros); err != nil {
			return err
		}
		fmt.Fprintln(e.opts.Out, "--dry-run specified; skipping modifications")
		return nil
	}

	// The two directions are independent; either may be empty.
	if !newCros.IsEmpty() {
		if err := e.transposeWrite(newCros, curAndroid); err != nil {
			return fmt.Errorf("failed to transpose chromiumos patches into android: %w", err)
		}
	}
	if !newAndroid.IsEmpty() {
		if err := e.transposeWrite(newAndroid, curCros); err != nil {
			return fmt.Errorf("failed to transpose android patches into chromiumos: %w", err)
		}
	}

	if e.opts.NoCommit {
		fmt.Fprintln(e.opts.Out, "--no-commit specified; not committing or uploading")
		return nil
	}

	// Each side is uploaded when it received the other side's patches.
	if !newAndroid.IsEmpty() {
		if err := e.vcs.Upload(ctx, e.cfg.Cros.Checkout, e.cfg.CrosPatchesDir(), e.cfg.Cros.Reviewers); err != nil {
			return fmt.Errorf("failed to upload chromiumos changes: %w", err)
		}
	}
	if !newCros.IsEmpty() {
		if err := e.vcs.Upload(ctx, e.cfg.Android.Checkout, e.cfg.AndroidPatchesDir(), e.cfg.Android.Reviewers); err != nil {
			return fmt.Errorf("failed to upload android changes: %w", err)
		}
	}

	e.logger.Info("transpose completed successfully")
	return nil
}

func (e *Engine) syncCheckouts(ctx context.Context) error {
	for _, checkout := range []string{e.cfg.Cros.Checkout, e.cfg.Android.Checkout} {
		e.logger.Info("syncing checkout", "checkout", checkout)
		if err := e.vcs.Sync(ctx, checkout); err != nil {
			return fmt.Errorf("failed to sync %s: %w", checkout, err)
		}
	}
	return nil
}

// transposeWrite merges the new records into the destination collection:
// every referenced patch file is copied first, and only when all copies have
// succeeded is the destination manifest atomically replaced.
func (e *Engine) transposeWrite(news, dest *patches.Collection) error {
	for _, r := range news.Records {
		src := news.PatchPath(r)
		dst := dest.PatchPath(r)
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("%w: %s", ErrPathCollision, dst)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", dst, err)
		}
		e.logger.Info("copying patch", "src", src, "dest", dst)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy patch %s: %w", r.RelPatchPath, err)
		}
	}

	merged := dest.Union(news)
	e.logger.Info("writing manifest", "path", merged.FilePath, "records", merged.Len())
	return merged.Write()
}

// printPlannedDiff prints a unified diff of the destination manifest as it
// would look after transposing the new records.
func (e *Engine) printPlannedDiff(news, dest *patches.Collection) error {
	if news.IsEmpty() {
		return nil
	}
	current, err := dest.Serialize()
	if err != nil {
		return err
	}
	planned, err := dest.Union(news).Serialize()
	if err != nil {
		return err
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(current)),
		B:        difflib.SplitLines(string(planned)),
		FromFile: dest.FilePath,
		ToFile:   dest.FilePath + " (transposed)",
		Context:  3,
	})
	if err != nil {
		return fmt.Errorf("failed to diff manifest %s: %w", dest.FilePath, err)
	}
	fmt.Fprint(e.opts.Out, text)
	return nil
}

func (e *Engine) displayPatches(prelude string, collection *patches.Collection) {
	fmt.Fprintln(e.opts.Out, prelude)
	if collection.IsEmpty() {
		fmt.Fprintln(e.opts.Out, "  [No Patches]")
		return
	}
	for _, r := range collection.Records {
		fmt.Fprintf(e.opts.Out, "  %s\n", r.RelPatchPath)
	}
}

// copyFile copies a file with an atomic write at the destination.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".patchsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
