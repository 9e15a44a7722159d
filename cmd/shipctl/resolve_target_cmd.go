package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signapse/shipyard/pkg/target"
)

type resolveTargetOpts struct {
	*rootOpts
	service     string
	environment string
	labels      []string
}

func newResolveTarget(parent *rootOpts) *resolveTargetOpts {
	return &resolveTargetOpts{rootOpts: parent}
}

func (opts *resolveTargetOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve-target",
		Short: "Resolve a (service, environment) pair to its deployment coordinates",
		Example: makeExample(
			"shipctl resolve-target --service checkout-api --environment production",
			"shipctl resolve-target --service checkout-api --label team=payments",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "service to resolve")
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "", "environment to resolve in")
	cmd.Flags().StringSliceVar(&opts.labels, "label", nil, "key=value label selectors")
	return cmd
}

func (opts *resolveTargetOpts) RunE(_ *cobra.Command, args []string) error {
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

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	t, err := opts.newRegistry(cfg).Lookup(context.Background(), q)
	if err != nil {
		return err
	}
	return outputJSON(t, "")
}

func parseQuery(service, environment string, labels []string) (target.Query, error) {
	q := target.Query{Name: service, Environment: environment}
	for _, l := range labels {
		kv := strings.SplitN(l, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return q, newUsageError("labels take the form key=value: " + l)
		}
		if q.Labels == nil {
			q.Labels = map[string]string{}
		}
		q.Labels[kv[0]] = kv[1]
	}
	return q, nil
}
