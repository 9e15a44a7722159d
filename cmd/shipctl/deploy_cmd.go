package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/deploy"
	"github.com/signapse/shipyard/pkg/pipeline"
	"github.com/signapse/shipyard/pkg/target"
	"github.com/signapse/shipyard/pkg/verify"
)

type deployOpts struct {
	*rootOpts
	service       string
	environment   string
	labels        []string
	artifactMeta  string
	packagePath   string
	valuesFiles   []string
	inlineValues  string
	setValues     []string
	dryRun        bool
	skipPublish   bool
	atomic        bool
	wait          bool
	timeout       time.Duration
	yes           bool
	message       string
	user          string
	runID         string
	verifyTimeout time.Duration
}

func newDeploy(parent *rootOpts) *deployOpts {
	return &deployOpts{rootOpts: parent}
}

func (opts *deployOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an artifact to a resolved target",
		Example: makeExample(
			"shipctl deploy --service checkout-api --environment production --artifact pkg.json",
			`shipctl deploy --service storefront --environment staging --set image.tag=v1.2.0 -m "bump storefront"`,
			"shipctl deploy --service storefront --environment production --dry-run",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "service to deploy")
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "", "environment to deploy to")
	cmd.Flags().StringSliceVar(&opts.labels, "label", nil, "key=value label selectors for the target")
	cmd.Flags().StringVar(&opts.artifactMeta, "artifact", "", "artifact metadata JSON written by `shipctl package`")
	cmd.Flags().StringVar(&opts.packagePath, "package", "", "deploy a zip file directly, without metadata")
	cmd.Flags().StringSliceVar(&opts.valuesFiles, "values", nil, "values files, later files winning (cluster releases)")
	cmd.Flags().StringVar(&opts.inlineValues, "values-inline", "", "inline YAML values, merged over values files (cluster releases)")
	cmd.Flags().StringSliceVar(&opts.setValues, "set", nil, "per-key value overrides, key=value, winning over all other tiers (cluster releases)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "preview what would change without deploying")
	cmd.Flags().BoolVar(&opts.skipPublish, "skip-publish", false, "update function code and configuration without publishing a version or moving the alias")
	cmd.Flags().BoolVar(&opts.atomic, "atomic", false, "roll back when the release doesn't become ready, overriding the target's setting")
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "wait for the release to report readiness; --wait=false returns as soon as the upgrade lands")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "bound on the deploy and readiness wait; the target's timeout when zero")
	cmd.Flags().BoolVar(&opts.yes, "yes", false, "deploy to protected targets without asking")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "message to record against the deployment")
	cmd.Flags().StringVar(&opts.user, "user", actor(), "identity to record against the deployment")
	cmd.Flags().StringVar(&opts.runID, "run-id", os.Getenv("SHIPYARD_RUN_ID"), "CI run to record against the deployment")
	cmd.Flags().DurationVar(&opts.verifyTimeout, "verify-timeout", 0, "bound on post-deploy verification; the configured default when zero")
	return cmd
}

func (opts *deployOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.service == "" {
		return newUsageError("please supply a service with --service")
	}
	q, err := parseQuery(opts.service, opts.environment, opts.labels)
	if err != nil {
		return err
	}
	a, err := opts.loadArtifact()
	if err != nil {
		return err
	}
	values, err := opts.parseValues()
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	resolver := opts.newRegistry(cfg)
	t, err := resolver.Lookup(ctx, q)
	if err != nil {
		return err
	}
	confirmed := opts.yes
	if t.Protected && !confirmed && !opts.dryRun {
		confirmed, err = askForConfirmation(fmt.Sprintf("%s is protected. Deploy anyway?", t.ID()))
		if err != nil {
			return err
		}
		if !confirmed {
			return newUsageError("aborted")
		}
	}

	st, err := opts.newStore(cfg.Store)
	if err != nil {
		return err
	}
	executors, err := opts.newExecutors(cfg)
	if err != nil {
		return err
	}
	gate, err := verify.FromConfig(cfg.Verification, log.With(opts.logger, "component", "verify"))
	if err != nil {
		return err
	}
	db, err := opts.newLedger(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	notifier, err := opts.newNotifier(cfg.GitHub)
	if err != nil {
		return err
	}

	verifyTimeout := opts.verifyTimeout
	if verifyTimeout == 0 {
		verifyTimeout = time.Duration(cfg.Verification.TimeoutSeconds) * time.Second
	}
	pipe, err := pipeline.New(pipeline.Config{
		Logger:              log.With(opts.logger, "component", "pipeline"),
		Resolver:            resolver,
		Store:               st,
		Executors:           executors,
		Gate:                gate,
		Ledger:              db,
		Notifier:            notifier,
		VerifyTimeout:       verifyTimeout,
		RollbackOnUnhealthy: cfg.Verification.RollbackOnUnhealthy,
	})
	if err != nil {
		return err
	}

	// Only flags the caller actually set override the target's
	// standing atomic/wait behavior.
	var atomic, wait *bool
	if cmd.Flags().Changed("atomic") {
		atomic = &opts.atomic
	}
	if cmd.Flags().Changed("wait") {
		wait = &opts.wait
	}

	out, err := pipe.Run(ctx, pipeline.Request{
		Query:              q,
		Artifact:           a,
		Values:             values,
		DryRun:             opts.dryRun,
		SkipPublish:        opts.skipPublish,
		Atomic:             atomic,
		Wait:               wait,
		TimeoutSeconds:     int(opts.timeout / time.Second),
		ConfirmedProtected: confirmed,
		Cause:              deploy.Cause{User: opts.user, Message: opts.message},
		RunID:              opts.runID,
	})
	if err != nil {
		return err
	}
	return printOutcome(out)
}

func (opts *deployOpts) loadArtifact() (*artifact.Artifact, error) {
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
		return &artifact.Artifact{
			Name:      opts.service,
			Format:    artifact.FormatArchive,
			Path:      opts.packagePath,
			Digest:    dgst,
			Size:      size,
			CreatedAt: time.Now().UTC(),
		}, nil
	}
	// Cluster releases deploy the chart the target names; function
	// targets need code to push.
	return nil, nil
}

func (opts *deployOpts) parseValues() (target.Values, error) {
	v := target.Values{Files: opts.valuesFiles}
	if opts.inlineValues != "" {
		if err := yaml.Unmarshal([]byte(opts.inlineValues), &v.Inline); err != nil {
			return v, newUsageError("parsing --values-inline: " + err.Error())
		}
	}
	for _, s := range opts.setValues {
		kv := strings.SplitN(s, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return v, newUsageError("overrides take the form key=value: " + s)
		}
		if v.Set == nil {
			v.Set = map[string]string{}
		}
		v.Set[kv[0]] = kv[1]
	}
	return v, nil
}

func printOutcome(out *pipeline.Outcome) error {
	res := out.Deploy
	if res == nil {
		return nil
	}
	if res.Preview != "" {
		fmt.Println(res.Preview)
	}
	w := newTabwriter()
	fmt.Fprintf(w, "TARGET\tSTATUS\tSTATE\tVERSION\n")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", res.Target, res.Status, res.State, res.Version)
	w.Flush()
	if out.Verification != nil {
		fmt.Printf("verification: healthy=%v detail=%q after %d attempts\n",
			out.Verification.Healthy, out.Verification.Detail, out.Verification.Attempts)
	}

	// A rollback still leaves the caller without the version it
	// asked for; say so through the exit status.
	if res.Status == deploy.StatusRolledBack {
		return rolledBackError{target: res.Target, version: res.Version, message: res.Message}
	}
	return nil
}
