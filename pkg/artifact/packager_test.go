package artifact

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestPackageArchive(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app")
	writeTree(t, src, map[string]string{
		"handler.py":                  "def handler(event, ctx): pass\n",
		"lib/util.py":                 "x = 1\n",
		".env":                        "SECRET=hunter2\n",
		".git/HEAD":                   "ref: refs/heads/main\n",
		"node_modules/lp/index.js":    "module.exports = {}\n",
		"__pycache__/handler.pyc":     "\x00",
		"requirements.txt":            "requests\n",
	})

	p := NewPackager(log.NewNopLogger())
	a, err := p.Package(context.Background(), Spec{
		Name:         "app",
		Format:       FormatArchive,
		SourceDir:    src,
		BuildCommand: "echo generated > generated.txt",
		OutputDir:    t.TempDir(),
		Runtime:      "python3.11",
		RunID:        "ci-20260824.4",
	})
	require.NoError(t, err)

	assert.Equal(t, "app", a.Name)
	assert.Equal(t, FormatArchive, a.Format)
	assert.NotEmpty(t, a.Digest)
	assert.True(t, a.Size > 0)
	assert.Equal(t, "python3.11", a.Runtime)
	assert.Equal(t, "ci-20260824.4", a.RunID)

	entries := zipEntries(t, a.Path)
	assert.Equal(t, []string{
		"generated.txt",
		"handler.py",
		"lib/util.py",
		"requirements.txt",
	}, entries)
}

func TestPackageArchiveIncludeExclude(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app")
	writeTree(t, src, map[string]string{
		"dist/app.js":     "done\n",
		"dist/app.js.map": "map\n",
		"src/app.ts":      "source\n",
	})

	p := NewPackager(log.NewNopLogger())
	a, err := p.Package(context.Background(), Spec{
		Name:      "app",
		SourceDir: src,
		Include:   []string{"dist/*"},
		Exclude:   []string{"*.map"},
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dist/app.js"}, zipEntries(t, a.Path))
}

func TestPackageArchiveOmitsTestTrees(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app")
	writeTree(t, src, map[string]string{
		"main.py":                "print('hi')\n",
		"tests/test_main.py":     "def test_main(): pass\n",
		"tests/data/fixture.txt": "x\n",
	})

	p := NewPackager(log.NewNopLogger())
	a, err := p.Package(context.Background(), Spec{
		Name:      "app",
		SourceDir: src,
		Include:   []string{"*"},
		Exclude:   []string{"tests/"},
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, zipEntries(t, a.Path))
}

func TestPackageArchiveDefaultExcludesTests(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app")
	writeTree(t, src, map[string]string{
		"index.js":              "module.exports = {}\n",
		"tests/main.test.js":    "it('works')\n",
		"__tests__/app.test.js": "it('works')\n",
	})

	p := NewPackager(log.NewNopLogger())
	a, err := p.Package(context.Background(), Spec{
		Name:      "app",
		SourceDir: src,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"index.js"}, zipEntries(t, a.Path))
}

func TestPackageDeterministicDigest(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app")
	writeTree(t, src, map[string]string{
		"handler.py": "def handler(event, ctx): pass\n",
		"data.json":  `{"a": 1}`,
	})

	p := NewPackager(log.NewNopLogger())
	first, err := p.Package(context.Background(), Spec{Name: "app", SourceDir: src, OutputDir: t.TempDir()})
	require.NoError(t, err)
	second, err := p.Package(context.Background(), Spec{Name: "app", SourceDir: src, OutputDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Size, second.Size)
}

func TestPackageBuildFailure(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app")
	writeTree(t, src, map[string]string{"handler.py": "pass\n"})

	p := NewPackager(log.NewNopLogger())
	a, err := p.Package(context.Background(), Spec{
		Name:         "app",
		SourceDir:    src,
		BuildCommand: "echo boom >&2; exit 3",
		OutputDir:    t.TempDir(),
	})
	require.Error(t, err)
	assert.Nil(t, a)
	assert.True(t, IsBuildError(err))

	berr, ok := err.(*BuildError)
	require.True(t, ok)
	assert.Contains(t, berr.Output, "boom")
}

func TestPackageNothingMatches(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app")
	writeTree(t, src, map[string]string{"handler.py": "pass\n"})

	p := NewPackager(log.NewNopLogger())
	_, err := p.Package(context.Background(), Spec{
		Name:      "app",
		SourceDir: src,
		Include:   []string{"does-not-exist/*"},
		OutputDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.False(t, IsBuildError(err))
}

func TestPackageImage(t *testing.T) {
	src := t.TempDir()
	digestFile := filepath.Join(t.TempDir(), "iid")
	require.NoError(t, os.WriteFile(digestFile, []byte("sha256:4355a46b19d348dc2f57c046f8ef63d4538ebb936000f3c9ee954a27460dd865\n"), 0644))

	p := NewPackager(log.NewNopLogger())
	a, err := p.Package(context.Background(), Spec{
		Name:         "app",
		Format:       FormatImage,
		SourceDir:    src,
		BuildCommand: "true",
		ImageRef:     "registry.example.com/team/app:1.2.3",
		DigestFile:   digestFile,
	})
	require.NoError(t, err)
	assert.Equal(t, FormatImage, a.Format)
	assert.True(t, strings.HasPrefix(a.ImageRef, "registry.example.com/team/app:1.2.3"))
	assert.Equal(t, "sha256:4355a46b19d348dc2f57c046f8ef63d4538ebb936000f3c9ee954a27460dd865", a.Digest.String())
}

func TestPackageImageBadRef(t *testing.T) {
	p := NewPackager(log.NewNopLogger())
	_, err := p.Package(context.Background(), Spec{
		Name:         "app",
		Format:       FormatImage,
		SourceDir:    t.TempDir(),
		BuildCommand: "true",
		ImageRef:     "UPPERCASE not allowed",
	})
	require.Error(t, err)
}

func TestPackageImageNeedsBuild(t *testing.T) {
	p := NewPackager(log.NewNopLogger())
	_, err := p.Package(context.Background(), Spec{
		Name:      "app",
		Format:    FormatImage,
		SourceDir: t.TempDir(),
		ImageRef:  "example.com/app:v1",
	})
	require.Error(t, err)
}
