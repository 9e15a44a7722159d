package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/store"
)

type storeOpts struct {
	*rootOpts
	artifactMeta string
	packagePath  string
	name         string
	noProgress   bool
	refOut       string
}

func newStore(parent *rootOpts) *storeOpts {
	return &storeOpts{rootOpts: parent}
}

func (opts *storeOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Upload a packaged artifact to the configured artifact store",
		Example: makeExample(
			"shipctl store --artifact pkg.json",
			"shipctl store --package dist/checkout-api.zip --name checkout-api",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.artifactMeta, "artifact", "", "artifact metadata JSON written by `shipctl package`")
	cmd.Flags().StringVar(&opts.packagePath, "package", "", "package a zip file directly, without metadata")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "artifact name when storing with --package")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "suppress the upload progress bar")
	cmd.Flags().StringVar(&opts.refOut, "ref", "", "write the store reference JSON here instead of stdout")
	return cmd
}

func (opts *storeOpts) RunE(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	a, err := opts.loadArtifact()
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := opts.newStore(cfg.Store)
	if err != nil {
		return err
	}
	if st == nil {
		return newUsageError("no artifact store is configured; set store.backend in the config file")
	}

	var bar *pb.ProgressBar
	if s3store, ok := st.(*store.S3); ok && !opts.noProgress {
		bar = pb.New64(a.Size).Set(pb.Bytes, true).SetWriter(os.Stderr)
		s3store.Progress = bar.Start()
	}
	ref, err := st.Put(context.Background(), a)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}
	return outputJSON(ref, opts.refOut)
}

// loadArtifact reads metadata written by the package command, or
// reconstructs the essentials from a bare zip file.
func (opts *storeOpts) loadArtifact() (*artifact.Artifact, error) {
	switch {
	case opts.artifactMeta != "" && opts.packagePath != "":
		return nil, newUsageError("please supply only one of --artifact or --package")
	case opts.artifactMeta != "":
		raw, err := os.ReadFile(opts.artifactMeta)
		if err != nil {
			return nil, err
		}
		var a artifact.Artifact
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return &a, nil
	case opts.packagePath != "":
		dgst, size, err := artifact.DigestFile(opts.packagePath)
		if err != nil {
			return nil, err
		}
		name := opts.name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(opts.packagePath), filepath.Ext(opts.packagePath))
		}
		return &artifact.Artifact{
			Name:      name,
			Format:    artifact.FormatArchive,
			Path:      opts.packagePath,
			Digest:    dgst,
			Size:      size,
			CreatedAt: time.Now().UTC(),
		}, nil
	}
	return nil, newUsageError("please supply one of --artifact or --package")
}
