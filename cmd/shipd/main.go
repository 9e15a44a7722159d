package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog"

	"github.com/signapse/shipyard/pkg/checkpoint"
	"github.com/signapse/shipyard/pkg/config"
	"github.com/signapse/shipyard/pkg/daemon"
	"github.com/signapse/shipyard/pkg/deploy"
	daemonhttp "github.com/signapse/shipyard/pkg/http/daemon"
	"github.com/signapse/shipyard/pkg/ledger"
	"github.com/signapse/shipyard/pkg/notify"
	"github.com/signapse/shipyard/pkg/pipeline"
	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
	"github.com/signapse/shipyard/pkg/verify"
)

var (
	fs     *pflag.FlagSet
	logger log.Logger

	versionFlag *bool

	logFormat *string

	configFile *string

	kubeconfig *string
	master     *string

	listenAddr *string

	statusCacheSize *int
)

const product = "signapse-shipyard"

var version = "unversioned"

func init() {
	// Flags processing
	fs = pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  shipd deploys services to their targets and keeps the release history.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}

	versionFlag = fs.Bool("version", false, "print version and exit")

	logFormat = fs.String("log-format", "fmt", "change the log format.")

	configFile = fs.StringP("config", "c", "/etc/shipyard/shipd.yaml", "path to the daemon config file")

	kubeconfig = fs.String("kubeconfig", "", "path to a kubeconfig; required if out-of-cluster and helm deployments are enabled")
	master = fs.String("master", "", "address of the Kubernetes API server; overrides any value in kubeconfig; required if out-of-cluster")

	listenAddr = fs.StringP("listen", "l", ":3031", "listen address where /metrics and the API will be served")

	statusCacheSize = fs.Int("job-status-cache", 100, "number of finished job statuses to keep answering for")
}

func main() {
	// Explicitly initialize klog to enable stderr logging,
	// and parse our own flags.
	klog.InitFlags(nil)
	fs.Parse(os.Args)

	if *versionFlag {
		println(version)
		os.Exit(0)
	}

	// init go-kit log
	{
		switch *logFormat {
		case "json":
			logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		case "fmt":
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		default:
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		}
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	// error channel
	errc := make(chan error)

	// shutdown triggers
	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	// wait for SIGTERM
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	mainLogger := log.With(logger, "component", "shipd")

	cfg, err := config.Load(*configFile)
	if err != nil {
		mainLogger.Log("error", fmt.Sprintf("error loading config: %v", err))
		os.Exit(1)
	}

	resolver := target.NewFileRegistry(log.With(logger, "component", "registry"), cfg.Registry)

	db, err := ledger.NewSQL(cfg.Ledger.Driver, cfg.Ledger.DSN, log.With(logger, "component", "ledger"))
	if err != nil {
		mainLogger.Log("error", fmt.Sprintf("error opening ledger: %v", err))
		os.Exit(1)
	}

	artifactStore, err := newStore(cfg.Store, log.With(logger, "component", "store"))
	if err != nil {
		mainLogger.Log("error", fmt.Sprintf("error setting up artifact store: %v", err))
		os.Exit(1)
	}

	executors := []deploy.Executor{
		deploy.NewFunctionExecutor(log.With(logger, "component", "deploy")),
	}
	if cfg.Helm.Enabled {
		restCfg, err := clientcmd.BuildConfigFromFlags(*master, *kubeconfig)
		if err != nil {
			mainLogger.Log("error", fmt.Sprintf("error building kubeconfig: %v", err))
			os.Exit(1)
		}
		kubeClient, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			mainLogger.Log("error", fmt.Sprintf("error building kubernetes clientset: %v", err))
			os.Exit(1)
		}
		helmClient, err := deploy.NewHelmClient(kubeClient, cfg.Helm)
		if err != nil {
			mainLogger.Log("error", fmt.Sprintf("error connecting to tiller: %v", err))
			os.Exit(1)
		}
		executors = append(executors,
			deploy.NewReleaseExecutor(log.With(logger, "component", "deploy"), helmClient, kubeClient, cfg.Helm.ChartCache))
	}

	gate, err := verify.FromConfig(cfg.Verification, log.With(logger, "component", "verify"))
	if err != nil {
		mainLogger.Log("error", fmt.Sprintf("error setting up verification: %v", err))
		os.Exit(1)
	}

	var notifier notify.Notifier
	if token, err := cfg.GitHub.ResolveToken(); err != nil {
		mainLogger.Log("error", fmt.Sprintf("error reading github token: %v", err))
		os.Exit(1)
	} else if token != "" {
		notifier = notify.NewGitHub(log.With(logger, "component", "notify"), token)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Logger:              log.With(logger, "component", "pipeline"),
		Resolver:            resolver,
		Store:               artifactStore,
		Executors:           executors,
		Gate:                gate,
		Ledger:              db,
		Notifier:            notifier,
		VerifyTimeout:       time.Duration(cfg.Verification.TimeoutSeconds) * time.Second,
		RollbackOnUnhealthy: cfg.Verification.RollbackOnUnhealthy,
	})
	if err != nil {
		mainLogger.Log("error", fmt.Sprintf("error assembling pipeline: %v", err))
		os.Exit(1)
	}

	jobs := pipeline.NewQueue(shutdown, shutdownWg)
	dispatcher := pipeline.NewDispatcher(log.With(logger, "component", "dispatcher"), jobs,
		&pipeline.StatusCache{Size: *statusCacheSize})
	shutdownWg.Add(1)
	go dispatcher.Loop(shutdown, shutdownWg)

	apiServer := &daemon.Daemon{
		V:          version,
		Resolver:   resolver,
		Ledger:     db,
		Pipeline:   pipe,
		Dispatcher: dispatcher,
		Logger:     log.With(logger, "component", "daemon"),
	}

	// start HTTP server
	go daemonhttp.ListenAndServe(*listenAddr, apiServer, log.With(logger, "component", "daemonhttp"), shutdown)

	// start the audit retention sweep
	shutdownWg.Add(1)
	go maintain(db, artifactStore, time.Duration(cfg.Ledger.RetentionDays)*24*time.Hour,
		log.With(logger, "component", "maintenance"), shutdown, shutdownWg)

	checkpoint.CheckForUpdates(product, version, map[string]string{
		"store-backend": cfg.Store.Backend,
		"ledger-driver": cfg.Ledger.Driver,
		"helm-enabled":  strconv.FormatBool(cfg.Helm.Enabled),
	}, log.With(logger, "component", "checkpoint"))

	shutdownErr := <-errc
	logger.Log("exiting...", shutdownErr)
	close(shutdown)
	shutdownWg.Wait()
}

// newStore builds the configured artifact store; no backend means no
// store, which the pipeline treats as "deploy small packages inline".
func newStore(cfg config.StoreConfig, logger log.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "s3":
		return store.NewS3(logger, store.S3Config{
			Bucket:  cfg.Bucket,
			Prefix:  cfg.Prefix,
			Region:  cfg.Region,
			RoleARN: cfg.RoleARN,
			Actor:   "shipd",
		})
	case "local":
		return store.NewLocal(logger, cfg.Root, "shipd")
	}
	return nil, nil
}
