// Package patches implements the in-memory representation of a PATCHES.json
// manifest and the set algebra used to diff and merge two manifests. All
// operations are pure: they return new collections and leave their receivers
// untouched. The only side effect in the package is Write.
package patches

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrParse indicates a manifest that is not a well-formed array of
	// patch records or that violates a record invariant.
	ErrParse = errors.New("malformed patch manifest")

	// ErrDuplicateIdentity indicates two records sharing a rel_patch_path
	// within one collection.
	ErrDuplicateIdentity = errors.New("duplicate rel_patch_path")
)

// Collection is an ordered set of patch records parsed from one manifest.
// Record order is preserved across parse/serialize so that re-serialization
// produces minimal diffs; set operations join on RelPatchPath, not position.
type Collection struct {
	Records []Record

	// FilePath is the manifest this collection was parsed from, empty for
	// derived collections that were never a file.
	FilePath string

	// Workdir is the directory rel_patch_path values are resolved against,
	// normally the manifest's directory.
	Workdir string
}

// Parse reads and parses a manifest file.
func Parse(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return ParseData(data, path)
}

// ParseData parses manifest content. The path is used for error context and
// to set FilePath/Workdir; pass a descriptive placeholder for content that
// never lived at a path (e.g. a historical snapshot).
func ParseData(data []byte, path string) (*Collection, error) {
	// Unmarshal alone would accept "null" as a nil slice; the document must
	// actually be an array.
	if doc := bytes.TrimLeft(data, " \t\r\n"); len(doc) == 0 || doc[0] != '[' {
		return nil, fmt.Errorf("manifest %s: document is not a JSON array: %w", path, ErrParse)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("manifest %s: %v: %w", path, err, ErrParse)
	}
	seen := make(map[string]struct{}, len(records))
	for i := range records {
		r := &records[i]
		if r.RelPatchPath == "" {
			return nil, fmt.Errorf("manifest %s: record %d: missing rel_patch_path: %w", path, i, ErrParse)
		}
		if _, dup := seen[r.RelPatchPath]; dup {
			return nil, fmt.Errorf("manifest %s: %w %q: %w", path, ErrDuplicateIdentity, r.RelPatchPath, ErrParse)
		}
		seen[r.RelPatchPath] = struct{}{}
		r.normalizePlatforms()
		if len(r.Platforms) == 0 {
			return nil, fmt.Errorf("manifest %s: %q: no platforms: %w", path, r.RelPatchPath, ErrParse)
		}
		if r.StartVersion != nil && r.EndVersion != nil && *r.StartVersion >= *r.EndVersion {
			return nil, fmt.Errorf("manifest %s: %q: start_version %d not below end_version %d: %w",
				path, r.RelPatchPath, *r.StartVersion, *r.EndVersion, ErrParse)
		}
		// Keep metadata values in a canonical compact form so that a
		// parse/serialize round trip reproduces an equal collection.
		for k, v := range r.Metadata {
			var buf bytes.Buffer
			if err := json.Compact(&buf, v); err != nil {
				return nil, fmt.Errorf("manifest %s: %q: metadata %q: %v: %w", path, r.RelPatchPath, k, err, ErrParse)
			}
			r.Metadata[k] = json.RawMessage(buf.Bytes())
		}
	}
	return &Collection{
		Records:  records,
		FilePath: path,
		Workdir:  filepath.Dir(path),
	}, nil
}

// Serialize produces the canonical textual form of the collection:
// a two-space indented JSON array with a trailing newline. The output is
// deterministic and round-trips through Parse.
func (c *Collection) Serialize() ([]byte, error) {
	records := c.Records
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing manifest %s: %w", c.FilePath, err)
	}
	return append(data, '\n'), nil
}

// Write serializes the collection and atomically replaces its manifest file
// (write to a temp file in the same directory, then rename).
func (c *Collection) Write() error {
	data, err := c.Serialize()
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.FilePath)
	tmp, err := os.CreateTemp(dir, ".patchsync-tmp-*")
	if err != nil {
		return fmt.Errorf("staging manifest %s: %w", c.FilePath, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing manifest %s: %w", c.FilePath, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, c.FilePath); err != nil {
		return fmt.Errorf("replacing manifest %s: %w", c.FilePath, err)
	}
	return nil
}

// PatchPath resolves a record's identity to the patch file on disk.
func (c *Collection) PatchPath(r Record) string {
	return filepath.Join(c.Workdir, filepath.FromSlash(r.RelPatchPath))
}

// IsEmpty reports whether the collection has no records.
func (c *Collection) IsEmpty() bool {
	return len(c.Records) == 0
}

// Len returns the number of records.
func (c *Collection) Len() int {
	return len(c.Records)
}

// derive returns an empty collection carrying the receiver's paths, used as
// the result shell of the pure operations below.
func (c *Collection) derive(capacity int) *Collection {
	return &Collection{
		Records:  make([]Record, 0, capacity),
		FilePath: c.FilePath,
		Workdir:  c.Workdir,
	}
}

// Union merges two collections by identity. Records only in the receiver
// keep their position; records only in other are appended afterwards, in
// other's order. For a shared identity the merged record takes the platform
// union and every other field from the receiver's copy.
func (c *Collection) Union(other *Collection) *Collection {
	out := c.derive(len(c.Records) + len(other.Records))
	theirs := make(map[string]Record, len(other.Records))
	for _, r := range other.Records {
		theirs[r.RelPatchPath] = r
	}
	for _, r := range c.Records {
		merged := r.Clone()
		if o, ok := theirs[r.RelPatchPath]; ok {
			for _, tag := range o.Platforms {
				merged = merged.WithPlatform(tag)
			}
		}
		out.Records = append(out.Records, merged)
	}
	ours := c.identitySet()
	for _, r := range other.Records {
		if _, ok := ours[r.RelPatchPath]; !ok {
			out.Records = append(out.Records, r.Clone())
		}
	}
	return out
}

// Subtract returns the records of the receiver whose identity does not
// appear in other.
func (c *Collection) Subtract(other *Collection) *Collection {
	theirs := other.identitySet()
	return c.Filter(func(r Record) bool {
		_, ok := theirs[r.RelPatchPath]
		return !ok
	})
}

// Filter returns the records matching the predicate, in order.
func (c *Collection) Filter(keep func(Record) bool) *Collection {
	out := c.derive(len(c.Records))
	for _, r := range c.Records {
		if keep(r) {
			out.Records = append(out.Records, r.Clone())
		}
	}
	return out
}

// MapRecords applies a per-record transformation. It fails if the transform
// breaks the identity uniqueness invariant.
func (c *Collection) MapRecords(transform func(Record) Record) (*Collection, error) {
	out := c.derive(len(c.Records))
	seen := make(map[string]struct{}, len(c.Records))
	for _, r := range c.Records {
		mapped := transform(r.Clone())
		if _, dup := seen[mapped.RelPatchPath]; dup {
			return nil, fmt.Errorf("mapping collection %s: %w %q", c.FilePath, ErrDuplicateIdentity, mapped.RelPatchPath)
		}
		seen[mapped.RelPatchPath] = struct{}{}
		out.Records = append(out.Records, mapped)
	}
	return out, nil
}

// FilterByPlatform returns the merged view for one platform: records whose
// platform set contains tag, each narrowed to exactly that tag.
func (c *Collection) FilterByPlatform(tag string) *Collection {
	narrowed, _ := c.Filter(func(r Record) bool { return r.HasPlatform(tag) }).
		MapRecords(func(r Record) Record {
			r.Platforms = []string{tag}
			return r
		})
	return narrowed
}

func (c *Collection) identitySet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Records))
	for _, r := range c.Records {
		set[r.RelPatchPath] = struct{}{}
	}
	return set
}
