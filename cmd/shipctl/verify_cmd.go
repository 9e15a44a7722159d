package main

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/signapse/shipyard/pkg/verify"
)

type verifyOpts struct {
	*rootOpts
	service     string
	environment string
	timeout     time.Duration
}

func newVerify(parent *rootOpts) *verifyOpts {
	return &verifyOpts{rootOpts: parent}
}

func (opts *verifyOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the configured verification checks against a target",
		Example: makeExample(
			"shipctl verify --service checkout-api --environment production",
			"shipctl verify --service storefront --environment staging --timeout 5m",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "service whose target to verify")
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "", "environment the target lives in")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "how long to keep checking before giving up; the configured default when zero")
	return cmd
}

func (opts *verifyOpts) RunE(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.service == "" {
		return newUsageError("please supply a service with --service")
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	gate, err := verify.FromConfig(cfg.Verification, log.With(opts.logger, "component", "verify"))
	if err != nil {
		return err
	}
	if gate == nil {
		return newUsageError("no verification checks are configured; set verification.checks in the config file")
	}

	ctx := context.Background()
	q, err := parseQuery(opts.service, opts.environment, nil)
	if err != nil {
		return err
	}
	t, err := opts.newRegistry(cfg).Lookup(ctx, q)
	if err != nil {
		return err
	}

	timeout := opts.timeout
	if timeout == 0 {
		timeout = time.Duration(cfg.Verification.TimeoutSeconds) * time.Second
	}
	outcome := gate.Verify(ctx, t, timeout)
	if err := outputJSON(outcome, ""); err != nil {
		return err
	}
	if !outcome.Healthy {
		return &verify.Error{Target: t.ID(), Detail: outcome.Detail}
	}
	return nil
}
