package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/signapse/shipyard/pkg/artifact"
)

type packageOpts struct {
	*rootOpts
	name       string
	src        string
	format     string
	build      string
	include    []string
	exclude    []string
	outputDir  string
	imageRef   string
	digestFile string
	runtime    string
	runID      string
	metaOut    string
}

func newPackage(parent *rootOpts) *packageOpts {
	return &packageOpts{rootOpts: parent}
}

func (opts *packageOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Package a source tree into a deployable artifact",
		Example: makeExample(
			`shipctl package --src . --name checkout-api --build "make dist" --exclude "docs/*"`,
			`shipctl package --src . --name storefront --format image --build "docker build -t storefront:latest ." --image-ref storefront:latest`,
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.src, "src", ".", "source directory to package")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "artifact name; defaults to the source directory's name")
	cmd.Flags().StringVar(&opts.format, "format", "archive", `output format: "archive" or "image"`)
	cmd.Flags().StringVar(&opts.build, "build", "", "build command to run in the source directory before packaging")
	cmd.Flags().StringSliceVar(&opts.include, "include", nil, "glob patterns of paths to include; everything not excluded when empty")
	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", nil, "glob patterns of paths to exclude; excludes win over includes")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "directory to write the archive to")
	cmd.Flags().StringVar(&opts.imageRef, "image-ref", "", "image reference the build command produced (image format only)")
	cmd.Flags().StringVar(&opts.digestFile, "digest-file", "", "file the builder wrote the image digest to, e.g. from docker build --iidfile")
	cmd.Flags().StringVar(&opts.runtime, "runtime", "", `runtime the package targets, e.g. "python3.11"; recorded on the artifact`)
	cmd.Flags().StringVar(&opts.runID, "run-id", os.Getenv("SHIPYARD_RUN_ID"), "CI run that produced the package; recorded on the artifact")
	cmd.Flags().StringVar(&opts.metaOut, "meta", "", "write artifact metadata JSON here instead of stdout")
	return cmd
}

func (opts *packageOpts) RunE(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	format, err := artifact.ParseFormat(opts.format)
	if err != nil {
		return newUsageError(err.Error())
	}
	name := opts.name
	if name == "" {
		abs, err := filepath.Abs(opts.src)
		if err != nil {
			return packagingError{err}
		}
		name = filepath.Base(abs)
	}

	p := artifact.NewPackager(log.With(opts.logger, "component", "package"))
	p.BuildOut = os.Stderr

	a, err := p.Package(context.Background(), artifact.Spec{
		Name:         name,
		Format:       format,
		SourceDir:    opts.src,
		BuildCommand: opts.build,
		Include:      opts.include,
		Exclude:      opts.exclude,
		OutputDir:    opts.outputDir,
		ImageRef:     opts.imageRef,
		DigestFile:   opts.digestFile,
		Runtime:      opts.runtime,
		RunID:        opts.runID,
	})
	if err != nil {
		return packagingError{err}
	}
	return outputJSON(a, opts.metaOut)
}
