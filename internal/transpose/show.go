package transpose

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/toolchain-tools/patchsync/internal/config"
	"github.com/toolchain-tools/patchsync/internal/patches"
	"github.com/toolchain-tools/patchsync/internal/vcs"
)

// ShowOptions control the combined manifest view.
type ShowOptions struct {
	// KeepUnmerged keeps a record's platform field as-is even when the
	// patch is not merged on that manifest's platform. By default each
	// manifest is narrowed to its own platform before the union.
	KeepUnmerged bool
	Sync         bool
}

// Show prints the union of both manifests without modifying anything.
func Show(ctx context.Context, cfg *config.Config, vcsClient vcs.Client, logger *slog.Logger, opts ShowOptions, out io.Writer) error {
	if opts.Sync {
		for _, checkout := range []string{cfg.Cros.Checkout, cfg.Android.Checkout} {
			logger.Info("syncing checkout", "checkout", checkout)
			if err := vcsClient.Sync(ctx, checkout); err != nil {
				return fmt.Errorf("failed to sync %s: %w", checkout, err)
			}
		}
	}

	view := func(platform, path string) (*patches.Collection, error) {
		collection, err := patches.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("could not parse %s PATCHES.json: %w", platform, err)
		}
		if opts.KeepUnmerged {
			return collection, nil
		}
		return collection.FilterByPlatform(platform), nil
	}

	cros, err := view(config.PlatformCros, cfg.CrosPatchesPath())
	if err != nil {
		return err
	}
	android, err := view(config.PlatformAndroid, cfg.AndroidPatchesPath())
	if err != nil {
		return err
	}

	merged, err := cros.Union(android).Serialize()
	if err != nil {
		return err
	}
	_, err = out.Write(merged)
	return err
}
