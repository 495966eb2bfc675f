package patches

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func uintPtr(v uint64) *uint64 {
	return &v
}

// writeManifest writes manifest content into a temp dir and returns its path.
func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "PATCHES.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleManifest = `[
  {
    "rel_patch_path": "cherry/fix-foo.patch",
    "start_version": 400000,
    "end_version": 400500,
    "platforms": ["chromiumos"],
    "metadata": {"title": "Fix foo", "info": ["b/12345"]}
  },
  {
    "rel_patch_path": "local/add-bar.patch",
    "platforms": ["android", "chromiumos"]
  }
]
`

func TestParse(t *testing.T) {
	path := writeManifest(t, sampleManifest)

	c, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", c.Len())
	}
	if c.FilePath != path {
		t.Errorf("FilePath = %q, want %q", c.FilePath, path)
	}
	if c.Workdir != filepath.Dir(path) {
		t.Errorf("Workdir = %q, want %q", c.Workdir, filepath.Dir(path))
	}

	first := c.Records[0]
	if first.RelPatchPath != "cherry/fix-foo.patch" {
		t.Errorf("unexpected identity %q", first.RelPatchPath)
	}
	if first.StartVersion == nil || *first.StartVersion != 400000 {
		t.Errorf("unexpected start_version %v", first.StartVersion)
	}
	if first.EndVersion == nil || *first.EndVersion != 400500 {
		t.Errorf("unexpected end_version %v", first.EndVersion)
	}

	want := c.PatchPath(first)
	if want != filepath.Join(filepath.Dir(path), "cherry", "fix-foo.patch") {
		t.Errorf("PatchPath = %q", want)
	}
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{name: "not json", content: `{{{`},
		{name: "not an array", content: `{"rel_patch_path": "a.patch"}`},
		{name: "null document", content: `null`},
		{name: "empty document", content: ``},
		{
			name: "duplicate identity",
			content: `[
  {"rel_patch_path": "a.patch", "platforms": ["chromiumos"]},
  {"rel_patch_path": "a.patch", "platforms": ["android"]}
]`,
		},
		{
			name:    "missing identity",
			content: `[{"platforms": ["chromiumos"]}]`,
		},
		{
			name:    "no platforms",
			content: `[{"rel_patch_path": "a.patch", "platforms": []}]`,
		},
		{
			name:    "empty platform tags only",
			content: `[{"rel_patch_path": "a.patch", "platforms": ["", ""]}]`,
		},
		{
			name:    "inverted version range",
			content: `[{"rel_patch_path": "a.patch", "platforms": ["chromiumos"], "start_version": 20, "end_version": 10}]`,
		},
		{
			name:    "degenerate version range",
			content: `[{"rel_patch_path": "a.patch", "platforms": ["chromiumos"], "start_version": 10, "end_version": 10}]`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseData([]byte(tc.content), "test-manifest")
			if !errors.Is(err, ErrParse) {
				t.Fatalf("expected ErrParse, got %v", err)
			}
		})
	}
}

func TestParseNormalizesPlatforms(t *testing.T) {
	content := `[{"rel_patch_path": "a.patch", "platforms": ["chromiumos", "android", "chromiumos", ""]}]`
	c, err := ParseData([]byte(content), "test-manifest")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"android", "chromiumos"}
	if !reflect.DeepEqual(c.Records[0].Platforms, want) {
		t.Errorf("platforms = %v, want %v", c.Records[0].Platforms, want)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	c, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}

	data, err := c.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	again, err := ParseData(data, path)
	if err != nil {
		t.Fatalf("re-parsing serialized output: %v", err)
	}
	if !reflect.DeepEqual(c.Records, again.Records) {
		t.Errorf("round trip changed records:\nbefore: %+v\nafter:  %+v", c.Records, again.Records)
	}

	// Serialization must be stable across a no-op round trip.
	data2, err := again.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, data2) {
		t.Errorf("serialized output not stable:\n%s\nvs\n%s", data, data2)
	}
}

func TestSerializeEmptyCollection(t *testing.T) {
	c := &Collection{FilePath: "empty"}
	data, err := c.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]\n" {
		t.Errorf("empty collection serialized as %q", data)
	}
}

func TestMetadataPreserved(t *testing.T) {
	content := `[{
  "rel_patch_path": "a.patch",
  "platforms": ["chromiumos"],
  "metadata": {"title": "Keep me", "info": ["b/1", "crbug/2"], "is_critical": true}
}]`
	c, err := ParseData([]byte(content), "test-manifest")
	if err != nil {
		t.Fatal(err)
	}

	// Narrowing a record must carry the metadata through untouched.
	narrowed := c.FilterByPlatform("chromiumos")
	got := narrowed.Records[0].Metadata
	for key, want := range map[string]string{
		"title":       `"Keep me"`,
		"info":        `["b/1","crbug/2"]`,
		"is_critical": `true`,
	} {
		if string(got[key]) != want {
			t.Errorf("metadata[%q] = %s, want %s", key, got[key], want)
		}
	}
}

func TestUnion(t *testing.T) {
	a, err := ParseData([]byte(`[
  {"rel_patch_path": "shared.patch", "platforms": ["chromiumos"], "start_version": 5},
  {"rel_patch_path": "only-a.patch", "platforms": ["chromiumos"]}
]`), "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseData([]byte(`[
  {"rel_patch_path": "shared.patch", "platforms": ["android"], "start_version": 7},
  {"rel_patch_path": "only-b.patch", "platforms": ["android"]}
]`), "b")
	if err != nil {
		t.Fatal(err)
	}

	merged := a.Union(b)
	wantOrder := []string{"shared.patch", "only-a.patch", "only-b.patch"}
	if got := identities(merged); !reflect.DeepEqual(got, wantOrder) {
		t.Fatalf("union identities = %v, want %v", got, wantOrder)
	}

	shared := merged.Records[0]
	if !reflect.DeepEqual(shared.Platforms, []string{"android", "chromiumos"}) {
		t.Errorf("shared platforms = %v", shared.Platforms)
	}
	// All non-platform fields come from the receiver's copy.
	if shared.StartVersion == nil || *shared.StartVersion != 5 {
		t.Errorf("shared start_version = %v, want 5", shared.StartVersion)
	}

	// The identity set is the same regardless of argument order.
	reversed := b.Union(a)
	if got, want := identityMembers(reversed), identityMembers(merged); !reflect.DeepEqual(got, want) {
		t.Errorf("union not commutative on identities: %v vs %v", got, want)
	}
	if !reflect.DeepEqual(reversed.Records[0].Platforms, []string{"android", "chromiumos"}) {
		t.Errorf("reversed shared platforms = %v", reversed.Records[0].Platforms)
	}
}

func TestUnionDoesNotMutateInputs(t *testing.T) {
	a, _ := ParseData([]byte(`[{"rel_patch_path": "x.patch", "platforms": ["chromiumos"]}]`), "a")
	b, _ := ParseData([]byte(`[{"rel_patch_path": "x.patch", "platforms": ["android"]}]`), "b")

	_ = a.Union(b)

	if !reflect.DeepEqual(a.Records[0].Platforms, []string{"chromiumos"}) {
		t.Errorf("union mutated receiver: %v", a.Records[0].Platforms)
	}
	if !reflect.DeepEqual(b.Records[0].Platforms, []string{"android"}) {
		t.Errorf("union mutated argument: %v", b.Records[0].Platforms)
	}
}

func TestSubtract(t *testing.T) {
	a, _ := ParseData([]byte(`[
  {"rel_patch_path": "one.patch", "platforms": ["chromiumos"]},
  {"rel_patch_path": "two.patch", "platforms": ["chromiumos"]}
]`), "a")
	b, _ := ParseData([]byte(`[{"rel_patch_path": "one.patch", "platforms": ["android"]}]`), "b")
	empty := &Collection{}

	if got := identities(a.Subtract(b)); !reflect.DeepEqual(got, []string{"two.patch"}) {
		t.Errorf("a - b = %v, want [two.patch]", got)
	}
	if !a.Subtract(a).IsEmpty() {
		t.Error("a - a should be empty")
	}
	if !reflect.DeepEqual(a.Subtract(empty).Records, a.Records) {
		t.Error("a - empty should equal a")
	}
}

func TestFilterByPlatform(t *testing.T) {
	c, _ := ParseData([]byte(`[
  {"rel_patch_path": "both.patch", "platforms": ["android", "chromiumos"]},
  {"rel_patch_path": "android-only.patch", "platforms": ["android"]}
]`), "c")

	narrowed := c.FilterByPlatform("chromiumos")
	if got := identities(narrowed); !reflect.DeepEqual(got, []string{"both.patch"}) {
		t.Fatalf("narrowed identities = %v", got)
	}
	if !reflect.DeepEqual(narrowed.Records[0].Platforms, []string{"chromiumos"}) {
		t.Errorf("narrowed platforms = %v, want exactly [chromiumos]", narrowed.Records[0].Platforms)
	}
}

func TestMapRecordsRejectsDuplicates(t *testing.T) {
	c, _ := ParseData([]byte(`[
  {"rel_patch_path": "one.patch", "platforms": ["chromiumos"]},
  {"rel_patch_path": "two.patch", "platforms": ["chromiumos"]}
]`), "c")

	_, err := c.MapRecords(func(r Record) Record {
		r.RelPatchPath = "same.patch"
		return r
	})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
}

func TestWriteAtomicReplace(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	c, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}

	c.Records = append(c.Records, Record{
		RelPatchPath: "new/appended.patch",
		StartVersion: uintPtr(1),
		EndVersion:   uintPtr(2),
		Platforms:    []string{"android"},
	})
	if err := c.Write(); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	again, err := Parse(path)
	if err != nil {
		t.Fatalf("re-parsing written manifest: %v", err)
	}
	if again.Len() != 3 {
		t.Fatalf("expected 3 records after write, got %d", again.Len())
	}
	if again.Records[2].RelPatchPath != "new/appended.patch" {
		t.Errorf("appended record not last: %v", identities(again))
	}

	// No temp files may remain next to the manifest.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}
}

func TestRecordJSONFieldNames(t *testing.T) {
	r := Record{
		RelPatchPath: "a.patch",
		StartVersion: uintPtr(1),
		EndVersion:   uintPtr(2),
		Platforms:    []string{"android"},
		Metadata:     map[string]json.RawMessage{"title": json.RawMessage(`"t"`)},
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"rel_patch_path"`, `"start_version"`, `"end_version"`, `"platforms"`, `"metadata"`} {
		if !bytes.Contains(data, []byte(field)) {
			t.Errorf("serialized record missing field %s: %s", field, data)
		}
	}

	// Optional bounds are omitted entirely when absent.
	data, err = json.Marshal(Record{RelPatchPath: "b.patch", Platforms: []string{"android"}})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte("start_version")) || bytes.Contains(data, []byte("end_version")) {
		t.Errorf("absent bounds serialized: %s", data)
	}
}

func identities(c *Collection) []string {
	out := make([]string, 0, c.Len())
	for _, r := range c.Records {
		out = append(out, r.RelPatchPath)
	}
	return out
}

func identityMembers(c *Collection) map[string]bool {
	out := make(map[string]bool, c.Len())
	for _, r := range c.Records {
		out[r.RelPatchPath] = true
	}
	return out
}
