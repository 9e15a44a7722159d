package main

import (
	"github.com/go-kit/kit/log"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/signapse/shipyard/pkg/config"
	"github.com/signapse/shipyard/pkg/deploy"
	"github.com/signapse/shipyard/pkg/ledger"
	"github.com/signapse/shipyard/pkg/notify"
	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
)

// newRegistry builds the target resolver from config.
func (opts *rootOpts) newRegistry(cfg config.Config) *target.FileRegistry {
	return target.NewFileRegistry(log.With(opts.logger, "component", "registry"), cfg.Registry)
}

// newLedger opens the configured release ledger. The caller closes
// it.
func (opts *rootOpts) newLedger(cfg config.Config) (*ledger.SQL, error) {
	return ledger.NewSQL(cfg.Ledger.Driver, cfg.Ledger.DSN, log.With(opts.logger, "component", "ledger"))
}

// newStore builds the configured artifact store; no backend
// configured means nil, which deploys small packages inline.
func (opts *rootOpts) newStore(cfg config.StoreConfig) (store.Store, error) {
	logger := log.With(opts.logger, "component", "store")
	switch cfg.Backend {
	case "s3":
		return store.NewS3(logger, store.S3Config{
			Bucket:  cfg.Bucket,
			Prefix:  cfg.Prefix,
			Region:  cfg.Region,
			RoleARN: cfg.RoleARN,
			Actor:   actor(),
		})
	case "local":
		return store.NewLocal(logger, cfg.Root, actor())
	}
	return nil, nil
}

// newExecutors builds one executor per target kind the config can
// reach: functions always, cluster releases when helm is enabled.
func (opts *rootOpts) newExecutors(cfg config.Config) ([]deploy.Executor, error) {
	logger := log.With(opts.logger, "component", "deploy")
	executors := []deploy.Executor{deploy.NewFunctionExecutor(logger)}

	if cfg.Helm.Enabled {
		restCfg, err := clientcmd.BuildConfigFromFlags(opts.Master, opts.Kubeconfig)
		if err != nil {
			return nil, err
		}
		kubeClient, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, err
		}
		helmClient, err := deploy.NewHelmClient(kubeClient, cfg.Helm)
		if err != nil {
			return nil, err
		}
		executors = append(executors,
			deploy.NewReleaseExecutor(logger, helmClient, kubeClient, cfg.Helm.ChartCache))
	}
	return executors, nil
}

// newNotifier builds the GitHub notifier when a token is configured.
func (opts *rootOpts) newNotifier(cfg config.GitHubConfig) (notify.Notifier, error) {
	token, err := cfg.ResolveToken()
	if err != nil || token == "" {
		return nil, err
	}
	return notify.NewGitHub(log.With(opts.logger, "component", "notify"), token), nil
}
