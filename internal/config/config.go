package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default checkout-relative locations, overridable in the config file.
const (
	DefaultCrosPatchesFile      = "src/third_party/chromiumos-overlay/sys-devel/llvm/files/PATCHES.json"
	DefaultAndroidPatchesFile   = "toolchain/llvm_android/patches/PATCHES.json"
	DefaultAndroidVersionScript = "toolchain/llvm_android/android_version.py"
)

// Platform tags used in manifest records.
const (
	PlatformCros    = "chromiumos"
	PlatformAndroid = "android"
)

// Config represents the complete patchsync configuration.
type Config struct {
	Cros    SideConfig    `yaml:"cros"`
	Android AndroidConfig `yaml:"android"`
}

// SideConfig configures one checkout.
type SideConfig struct {
	// Checkout is the absolute path to the source checkout.
	Checkout string `yaml:"checkout"`
	// PatchesFile is the checkout-relative path of the PATCHES.json manifest.
	PatchesFile string `yaml:"patches_file"`
	// Reviewers receive the review request when changes are uploaded.
	Reviewers []string `yaml:"reviewers"`
}

// AndroidConfig configures the Android checkout, which additionally carries
// the toolchain version script used for eligibility gating.
type AndroidConfig struct {
	SideConfig    `yaml:",inline"`
	VersionScript string `yaml:"version_script"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()

	return &cfg, nil
}

// Default returns a configuration with only the defaults applied, for runs
// driven entirely by command-line flags.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// expandEnv expands environment variables in all string fields.
func (c *Config) expandEnv() {
	c.Cros.Checkout = os.ExpandEnv(c.Cros.Checkout)
	c.Cros.PatchesFile = os.ExpandEnv(c.Cros.PatchesFile)
	c.Android.Checkout = os.ExpandEnv(c.Android.Checkout)
	c.Android.PatchesFile = os.ExpandEnv(c.Android.PatchesFile)
	c.Android.VersionScript = os.ExpandEnv(c.Android.VersionScript)
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Cros.PatchesFile == "" {
		c.Cros.PatchesFile = DefaultCrosPatchesFile
	}
	if c.Android.PatchesFile == "" {
		c.Android.PatchesFile = DefaultAndroidPatchesFile
	}
	if c.Android.VersionScript == "" {
		c.Android.VersionScript = DefaultAndroidVersionScript
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Cros.Checkout == "" {
		return fmt.Errorf("cros.checkout is required")
	}
	if c.Android.Checkout == "" {
		return fmt.Errorf("android.checkout is required")
	}
	if !filepath.IsAbs(c.Cros.Checkout) {
		return fmt.Errorf("cros.checkout must be an absolute path: %s", c.Cros.Checkout)
	}
	if !filepath.IsAbs(c.Android.Checkout) {
		return fmt.Errorf("android.checkout must be an absolute path: %s", c.Android.Checkout)
	}
	if filepath.IsAbs(c.Cros.PatchesFile) {
		return fmt.Errorf("cros.patches_file must be checkout-relative: %s", c.Cros.PatchesFile)
	}
	if filepath.IsAbs(c.Android.PatchesFile) {
		return fmt.Errorf("android.patches_file must be checkout-relative: %s", c.Android.PatchesFile)
	}
	if filepath.IsAbs(c.Android.VersionScript) {
		return fmt.Errorf("android.version_script must be checkout-relative: %s", c.Android.VersionScript)
	}
	return nil
}

// CrosPatchesPath returns the absolute path of the ChromiumOS manifest.
func (c *Config) CrosPatchesPath() string {
	return filepath.Join(c.Cros.Checkout, filepath.FromSlash(c.Cros.PatchesFile))
}

// AndroidPatchesPath returns the absolute path of the Android manifest.
func (c *Config) AndroidPatchesPath() string {
	return filepath.Join(c.Android.Checkout, filepath.FromSlash(c.Android.PatchesFile))
}

// CrosPatchesDir returns the checkout-relative directory of the ChromiumOS
// manifest, the git project that is committed and uploaded.
func (c *Config) CrosPatchesDir() string {
	return filepath.ToSlash(filepath.Dir(filepath.FromSlash(c.Cros.PatchesFile)))
}

// AndroidPatchesDir returns the checkout-relative directory of the Android
// manifest.
func (c *Config) AndroidPatchesDir() string {
	return filepath.ToSlash(filepath.Dir(filepath.FromSlash(c.Android.PatchesFile)))
}
