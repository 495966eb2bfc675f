package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toolchain-tools/patchsync/internal/config"
	"github.com/toolchain-tools/patchsync/internal/toolchain"
	"github.com/toolchain-tools/patchsync/internal/transpose"
	"github.com/toolchain-tools/patchsync/internal/vcs"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Show flags
	keepUnmerged bool
	showSync     bool

	// Transpose flags
	crosCheckout     string
	androidCheckout  string
	crosRef          string
	androidRef       string
	crosReviewers    string
	androidReviewers string
	syncBefore       bool
	verbose          bool
	dryRun           bool
	noCommit         bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchsync",
	Short: "Keep the ChromiumOS and Android LLVM patch manifests in sync",
	Long: `patchsync compares the PATCHES.json manifests of a ChromiumOS checkout and
an Android LLVM checkout, finds patches introduced on one side since a given
baseline, and transposes them (patch files plus manifest records) into the
other side.

Patches already present at the destination are never re-added, and patches
bound for Android are dropped when the checkout's current LLVM version falls
outside their version window.`,
	SilenceUsage: true,
}

var showCmd = &cobra.Command{
	Use:   "show <cros-checkout> <android-checkout>",
	Short: "Print a combined view of both PATCHES.json files",
	Long: `Show parses both manifests, narrows each to the patches merged on its own
platform (unless --keep-unmerged is given), and prints their union to stdout
without modifying anything.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runShow,
}

var transposeCmd = &cobra.Command{
	Use:   "transpose",
	Short: "Copy newly-introduced patches from each manifest to the other",
	Long: `Transpose diffs each PATCHES.json against its baseline ref, removes
candidates the destination already carries, filters Android-bound patches by
the checkout's current LLVM version, copies the surviving patch files into
the destination checkout, appends their records to the destination manifest,
and uploads the changes for review.`,
	RunE: runTranspose,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/patchsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Show command flags
	showCmd.Flags().BoolVar(&keepUnmerged, "keep-unmerged", false, "keep a patch's platform field even if it's not merged at that platform")
	showCmd.Flags().BoolVarP(&showSync, "sync", "s", false, "run repo sync before showing")

	// Transpose command flags
	transposeCmd.Flags().StringVar(&crosCheckout, "cros-checkout", "", "path to the ChromiumOS source repo checkout")
	transposeCmd.Flags().StringVar(&androidCheckout, "aosp-checkout", "", "path to the Android Open Source Project checkout")
	transposeCmd.Flags().StringVar(&crosRef, "overlay-base-ref", "", "git ref of the ChromiumOS overlay to use as the baseline")
	transposeCmd.Flags().StringVar(&androidRef, "aosp-base-ref", "", "git ref of the llvm_android project to use as the baseline")
	transposeCmd.Flags().StringVar(&crosReviewers, "cros-rev", "", "comma-separated reviewers for the ChromiumOS upload")
	transposeCmd.Flags().StringVar(&androidReviewers, "aosp-rev", "", "comma-separated reviewers for the Android upload")
	transposeCmd.Flags().BoolVarP(&syncBefore, "sync", "s", false, "run repo sync before transposing")
	transposeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the new patch sets to stdout")
	transposeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and print the planned changes without writing anything (implies --no-commit)")
	transposeCmd.Flags().BoolVar(&noCommit, "no-commit", false, "write files but do not commit or upload")
	_ = transposeCmd.MarkFlagRequired("overlay-base-ref")
	_ = transposeCmd.MarkFlagRequired("aosp-base-ref")

	// Add commands
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(transposeCmd)
	rootCmd.AddCommand(versionCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if len(args) > 0 {
		cfg.Cros.Checkout = args[0]
	}
	if len(args) > 1 {
		cfg.Android.Checkout = args[1]
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	opts := transpose.ShowOptions{KeepUnmerged: keepUnmerged, Sync: showSync}
	return transpose.Show(ctx, cfg, vcs.NewShellClient(), logger, opts, os.Stdout)
}

func runTranspose(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if crosCheckout != "" {
		cfg.Cros.Checkout = crosCheckout
	}
	if androidCheckout != "" {
		cfg.Android.Checkout = androidCheckout
	}
	if crosReviewers != "" {
		cfg.Cros.Reviewers = splitReviewers(crosReviewers)
	}
	if androidReviewers != "" {
		cfg.Android.Reviewers = splitReviewers(androidReviewers)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engine := transpose.NewEngine(
		cfg,
		vcs.NewShellClient(),
		toolchain.NewScriptProvider(cfg.Android.VersionScript),
		logger,
		transpose.Options{
			CrosRef:    crosRef,
			AndroidRef: androidRef,
			Sync:       syncBefore,
			Verbose:    verbose,
			DryRun:     dryRun,
			NoCommit:   noCommit,
		},
	)

	logger.Info("starting transpose operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("transpose failed", "error", err)
		return err
	}

	return nil
}

// splitReviewers splits a comma-separated reviewer list, dropping empties.
func splitReviewers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig loads the config file when one is present. A missing default
// config file is not an error: the commands can be driven entirely by flags
// and positional arguments.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/patchsync/config.yaml", home)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			logger.Debug("no config file found, using defaults", "path", configPath)
			return config.Default(), nil
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"cros_checkout", cfg.Cros.Checkout,
		"android_checkout", cfg.Android.Checkout,
		"cros_patches", cfg.Cros.PatchesFile,
		"android_patches", cfg.Android.PatchesFile)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
