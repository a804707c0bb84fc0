package workflow

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func makeTree(t *testing.T, paths ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range paths {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	return root
}

func TestExpandInputs_Globs(t *testing.T) {
	root := makeTree(t,
		"src/a.go",
		"src/b.go",
		"src/sub/c.go",
		"src/readme.md",
		"docs/d.go",
		".git/objects/x.go",
	)

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{
			name:     "recursive glob",
			patterns: []string{"src/**.go"},
			want:     []string{"src/a.go", "src/b.go", "src/sub/c.go"},
		},
		{
			name:     "single level",
			patterns: []string{"src/*.go"},
			want:     []string{"src/a.go", "src/b.go"},
		},
		{
			name:     "multiple patterns deduplicated",
			patterns: []string{"src/*.go", "**.go"},
			want:     []string{"docs/d.go", "src/a.go", "src/b.go", "src/sub/c.go"},
		},
		{
			name:     "no matches",
			patterns: []string{"**.rs"},
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandInputs(root, tt.patterns)
			if err != nil {
				t.Fatalf("ExpandInputs: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpandInputs_SkipsGitDir(t *testing.T) {
	root := makeTree(t, "a.go", ".git/hook.go")

	got, err := ExpandInputs(root, []string{"**.go"})
	if err != nil {
		t.Fatalf("ExpandInputs: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a.go"}) {
		t.Errorf("got %v, .git contents should be excluded", got)
	}
}

func TestExpandInputs_LiteralPath(t *testing.T) {
	root := makeTree(t, "data/items.json")

	got, err := ExpandInputs(root, []string{"data/items.json"})
	if err != nil {
		t.Fatalf("ExpandInputs: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"data/items.json"}) {
		t.Errorf("got %v", got)
	}
}

func TestExpandInputs_LiteralPathMissing(t *testing.T) {
	if _, err := ExpandInputs(t.TempDir(), []string{"absent.json"}); err == nil {
		t.Error("expected error for missing literal input")
	}
}

func TestExpandInputs_BadPattern(t *testing.T) {
	if _, err := ExpandInputs(t.TempDir(), []string{"[unclosed"}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}
