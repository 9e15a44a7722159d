package artifact

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Spec tells the Packager what to build and what to keep.
type Spec struct {
	// Name is the artifact name; for archives it also names the
	// output file (`<Name>.zip`).
	Name   string
	Format Format
	// SourceDir is the tree the build command runs in and, for
	// archives, the tree that gets filtered into the zip.
	SourceDir string
	// BuildCommand is run through `sh -c` before packaging. Optional
	// for archives (prebuilt trees); required for images, since the
	// image is whatever the builder produced.
	BuildCommand string
	BuildEnv     []string
	// Include and Exclude are glob patterns over slash-separated
	// paths relative to SourceDir. Excludes win over includes, and
	// DefaultExcludes always apply.
	Include []string
	Exclude []string
	// OutputDir is where the archive is written; defaults to
	// SourceDir's parent.
	OutputDir string
	// ImageRef is the tag the build command produced (image format
	// only). DigestFile optionally names a file the builder wrote
	// the image digest to, e.g. via `docker build --iidfile`.
	ImageRef   string
	DigestFile string
	// Runtime and RunID are recorded on the artifact as-is: the
	// runtime the package targets, and the CI run or job that built
	// it.
	Runtime string
	RunID   string
}

// Packager turns a source tree into a deployable artifact: a
// filtered, reproducible zip for function targets, or a reference to
// a builder-produced container image for cluster release targets.
type Packager struct {
	logger log.Logger
	// BuildOut, when set, receives build command output as it is
	// produced, in addition to the capture used for error reporting.
	BuildOut io.Writer
}

func NewPackager(logger log.Logger) *Packager {
	return &Packager{logger: logger}
}

// Package runs the build (if any) and produces the artifact described
// by spec. A failing build returns a *BuildError and no artifact.
func (p *Packager) Package(ctx context.Context, spec Spec) (*Artifact, error) {
	if spec.Name == "" {
		return nil, errors.New("artifact name must be supplied")
	}
	if spec.SourceDir == "" {
		spec.SourceDir = "."
	}
	if _, err := os.Stat(spec.SourceDir); err != nil {
		return nil, errors.Wrap(err, "inspecting source dir")
	}

	if spec.BuildCommand != "" {
		p.logger.Log("artifact", spec.Name, "build", spec.BuildCommand)
		out, err := execBuildCmd(ctx, spec.BuildCommand, buildCmdConfig{
			dir: spec.SourceDir,
			env: spec.BuildEnv,
			out: p.BuildOut,
		})
		if err != nil {
			return nil, &BuildError{Command: spec.BuildCommand, Output: out, Err: err}
		}
	}

	switch spec.Format {
	case FormatImage:
		return p.describeImage(spec)
	case FormatArchive, "":
		return p.archive(ctx, spec)
	}
	return nil, errors.Errorf("unknown artifact format %q", spec.Format)
}

func (p *Packager) archive(ctx context.Context, spec Spec) (*Artifact, error) {
	files, err := collectFiles(spec.SourceDir, ExcludeIncludeGlob{
		Include: spec.Include,
		Exclude: spec.Exclude,
	})
	if err != nil {
		return nil, errors.Wrap(err, "collecting files")
	}
	if len(files) == 0 {
		return nil, errors.New("no files matched; nothing to package")
	}

	outDir := spec.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(spec.SourceDir)
	}
	outPath := filepath.Join(outDir, spec.Name+".zip")
	if err := writeZip(ctx, outPath, spec.SourceDir, files); err != nil {
		os.Remove(outPath)
		return nil, errors.Wrap(err, "writing archive")
	}

	dgst, size, err := DigestFile(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "digesting archive")
	}

	a := &Artifact{
		Name:      spec.Name,
		Format:    FormatArchive,
		Path:      outPath,
		Digest:    dgst,
		Size:      size,
		Runtime:   spec.Runtime,
		RunID:     spec.RunID,
		Source:    describeSource(ctx, spec.SourceDir),
		CreatedAt: time.Now().UTC(),
	}
	p.logger.Log("artifact", a.Name, "files", len(files), "size", a.Size, "digest", a.Digest)
	return a, nil
}

func (p *Packager) describeImage(spec Spec) (*Artifact, error) {
	if spec.BuildCommand == "" {
		return nil, errors.New("image artifacts need a build command to produce the image")
	}
	if spec.ImageRef == "" {
		return nil, errors.New("image artifacts need the image reference the build produced")
	}
	ref, err := name.ParseReference(spec.ImageRef)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing image reference %q", spec.ImageRef)
	}

	a := &Artifact{
		Name:      spec.Name,
		Format:    FormatImage,
		ImageRef:  ref.Name(),
		Runtime:   spec.Runtime,
		RunID:     spec.RunID,
		Source:    describeSource(context.Background(), spec.SourceDir),
		CreatedAt: time.Now().UTC(),
	}
	if spec.DigestFile != "" {
		raw, err := os.ReadFile(spec.DigestFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading image digest file")
		}
		dgst, err := digest.Parse(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, errors.Wrap(err, "parsing image digest")
		}
		a.Digest = dgst
	}
	p.logger.Log("artifact", a.Name, "image", a.ImageRef, "digest", a.Digest)
	return a, nil
}

// collectFiles walks the source tree and returns the slash-separated
// relative paths that pass the filter, sorted so the archive layout
// is stable.
func collectFiles(root string, filter ExcludeIncludeGlob) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			// Only excludes prune a whole subtree; an unmatched
			// include may still admit files further down.
			if filter.IsExcluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if filter.IsIncluded(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// writeZip archives the given files under root into a zip at outPath.
// Entry order and timestamps are fixed, so identical content yields
// an identical digest run to run.
func writeZip(ctx context.Context, outPath, root string, files []string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return err
		}
		if err := addZipEntry(zw, root, rel); err != nil {
			zw.Close()
			return errors.Wrapf(err, "archiving %s", rel)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addZipEntry(zw *zip.Writer, root, rel string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate
	hdr.Modified = time.Unix(0, 0).UTC()

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
