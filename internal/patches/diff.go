package patches

import (
	"errors"
	"fmt"
)

// ErrBaselineParse indicates historical manifest content that did not parse.
var ErrBaselineParse = errors.New("malformed baseline manifest")

// NewSince parses the live manifest at manifestPath and returns it together
// with the records that are new relative to the baseline content (a
// historical snapshot of the same manifest, supplied as raw text).
//
// Newness is judged by identity alone: a record whose version bounds or
// platforms changed between baseline and current keeps its identity and is
// therefore not reported. Each new record is tagged with the originating
// platform.
func NewSince(manifestPath string, baseline []byte, platform string) (current, added *Collection, err error) {
	current, err = Parse(manifestPath)
	if err != nil {
		return nil, nil, err
	}
	base, err := ParseData(baseline, manifestPath+" (baseline)")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBaselineParse, err)
	}
	added, err = current.Subtract(base).MapRecords(func(r Record) Record {
		return r.WithPlatform(platform)
	})
	if err != nil {
		return nil, nil, err
	}
	return current, added, nil
}
