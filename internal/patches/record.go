package patches

import (
	"encoding/json"
	"slices"
	"sort"
)

// Record is one entry of a PATCHES.json manifest. Its identity within a
// collection is RelPatchPath, the path of the underlying patch file relative
// to the manifest's directory.
//
// Metadata is an opaque bag: the values are carried through every
// transformation untouched and never interpreted.
type Record struct {
	RelPatchPath string                     `json:"rel_patch_path"`
	StartVersion *uint64                    `json:"start_version,omitempty"`
	EndVersion   *uint64                    `json:"end_version,omitempty"`
	Platforms    []string                   `json:"platforms"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the record so that transformations on the
// copy never alias the original's platform slice or metadata values.
func (r Record) Clone() Record {
	out := r
	out.Platforms = slices.Clone(r.Platforms)
	if r.Metadata != nil {
		out.Metadata = make(map[string]json.RawMessage, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = slices.Clone(v)
		}
	}
	return out
}

// AppliesTo reports whether the patch applies at the given toolchain
// version. The window is half-open: [StartVersion, EndVersion). A missing
// bound is unbounded on that side.
func (r Record) AppliesTo(version uint64) bool {
	switch {
	case r.StartVersion != nil && r.EndVersion != nil:
		return *r.StartVersion <= version && version < *r.EndVersion
	case r.StartVersion != nil:
		return *r.StartVersion <= version
	case r.EndVersion != nil:
		return version < *r.EndVersion
	default:
		return true
	}
}

// HasPlatform reports whether the record is marked as merged on the given
// platform.
func (r Record) HasPlatform(tag string) bool {
	return slices.Contains(r.Platforms, tag)
}

// WithPlatform returns a copy of the record with tag added to its platform
// set. The set stays sorted and duplicate-free.
func (r Record) WithPlatform(tag string) Record {
	out := r.Clone()
	if !out.HasPlatform(tag) {
		out.Platforms = append(out.Platforms, tag)
		sort.Strings(out.Platforms)
	}
	return out
}

// normalizePlatforms sorts the platform set and drops duplicates and empty
// tags in place.
func (r *Record) normalizePlatforms() {
	tags := r.Platforms[:0]
	for _, t := range r.Platforms {
		if t != "" {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	r.Platforms = slices.Compact(tags)
}
