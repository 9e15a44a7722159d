package main

import (
	"os"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/signapse/shipyard/pkg/config"
)

type rootOpts struct {
	ConfigFile string
	Kubeconfig string
	Master     string
	Verbose    bool

	logger log.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
shipctl packages services and deploys them to their targets.

Workflow:
  shipctl package --src . --name checkout-api --build "make dist" --meta pkg.json
  shipctl store --artifact pkg.json
  shipctl deploy --service checkout-api --environment production --artifact pkg.json
  shipctl history --service checkout-api --environment production
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "shipctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "",
		"path to a shipyard config file; defaults are used when unset and ./shipyard.yaml does not exist")
	cmd.PersistentFlags().StringVar(&opts.Kubeconfig, "kubeconfig", "",
		"path to a kubeconfig; needed for cluster release targets when out of cluster")
	cmd.PersistentFlags().StringVar(&opts.Master, "master", "",
		"address of the Kubernetes API server; overrides any value in kubeconfig")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log component activity to stderr")

	cmd.AddCommand(
		newPackage(opts).Command(),
		newStore(opts).Command(),
		newResolveTarget(opts).Command(),
		newDeploy(opts).Command(),
		newVerify(opts).Command(),
		newHistory(opts).Command(),
		newVersionCommand(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(_ *cobra.Command, _ []string) error {
	if opts.Verbose {
		opts.logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	} else {
		opts.logger = log.NewNopLogger()
	}
	return nil
}

const defaultConfigFile = "shipyard.yaml"

// loadConfig reads the named config file; with none named, it reads
// ./shipyard.yaml if present and otherwise settles for the defaults.
func (opts *rootOpts) loadConfig() (config.Config, error) {
	path := opts.ConfigFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return config.New()
		}
		path = defaultConfigFile
	}
	return config.Load(path)
}
