// Package toolchain resolves the LLVM version an Android checkout currently
// targets. The version gates which patches may be transposed into the
// Android manifest.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrVersionFormat indicates a toolchain version that is not an unsigned
// base-10 integer.
var ErrVersionFormat = errors.New("toolchain version is not an unsigned integer")

// VersionProvider reports the target LLVM version of an Android checkout.
type VersionProvider interface {
	Version(ctx context.Context, androidCheckout string) (uint64, error)
}

// ScriptProvider implements VersionProvider by running the checkout's
// android_version.py and parsing its output.
type ScriptProvider struct {
	scriptRelPath string
}

// NewScriptProvider creates a provider that runs the version script at the
// given checkout-relative path.
func NewScriptProvider(scriptRelPath string) *ScriptProvider {
	return &ScriptProvider{scriptRelPath: scriptRelPath}
}

// Version runs the version script and parses its trimmed stdout.
func (p *ScriptProvider) Version(ctx context.Context, androidCheckout string) (uint64, error) {
	cmd := exec.CommandContext(ctx, "python3", p.scriptRelPath)
	cmd.Dir = androidCheckout
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			detail = ": " + strings.TrimSpace(string(exitErr.Stderr))
		}
		return 0, fmt.Errorf("running %s in %s failed: %w%s", p.scriptRelPath, androidCheckout, err, detail)
	}
	raw := strings.TrimSpace(string(output))
	version, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrVersionFormat, raw)
	}
	return version, nil
}
