package deploy

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/helm/pkg/chartutil"
	"k8s.io/helm/pkg/getter"
	k8shelm "k8s.io/helm/pkg/helm"
	helmenv "k8s.io/helm/pkg/helm/environment"
	hapi_release "k8s.io/helm/pkg/proto/hapi/release"
	"k8s.io/helm/pkg/repo"

	"github.com/signapse/shipyard/pkg/target"
)

const (
	defaultReleaseTimeout = 5 * time.Minute
	defaultPollInterval   = 5 * time.Second
)

// ReleaseExecutor deploys cluster release targets by driving helm:
// resolve the chart and values, preview, upgrade or install, wait for
// the workloads to become ready, and put the previous revision back
// when an atomic target doesn't make it.
type ReleaseExecutor struct {
	logger       log.Logger
	helmClient   k8shelm.Interface
	kubeClient   kubernetes.Interface
	chartCache   string
	pollInterval time.Duration
}

func NewReleaseExecutor(logger log.Logger, helmClient k8shelm.Interface, kubeClient kubernetes.Interface, chartCache string) *ReleaseExecutor {
	return &ReleaseExecutor{
		logger:       logger,
		helmClient:   helmClient,
		kubeClient:   kubeClient,
		chartCache:   chartCache,
		pollInterval: defaultPollInterval,
	}
}

func (e *ReleaseExecutor) Kind() target.Kind {
	return target.KindClusterRelease
}

func (e *ReleaseExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	t := req.Target
	rel := t.Release
	if t.Kind != target.KindClusterRelease || rel == nil {
		return nil, errors.Errorf("target %s is not a cluster release", t.ID())
	}
	res := &Result{
		Target:    t.ID(),
		Kind:      t.Kind,
		Status:    StatusFailed,
		State:     StatePending,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		res.FinishedAt = time.Now().UTC()
		observeDeploy(res, res.StartedAt)
	}()
	if req.Artifact != nil {
		res.Digest = req.Artifact.Digest
	}

	if t.Protected && !req.ConfirmedProtected {
		return res, &Error{Target: t.ID(), State: res.State, Reason: ReasonDenied,
			Err: errors.New("target is protected; pass confirmation to deploy")}
	}

	// The request can override the target's standing behavior for
	// this deploy only.
	atomic := rel.Atomic
	if req.Atomic != nil {
		atomic = *req.Atomic
	}
	wait := true
	if req.Wait != nil {
		wait = *req.Wait
	}
	timeout := defaultReleaseTimeout
	if rel.Timeout > 0 {
		timeout = time.Duration(rel.Timeout) * time.Second
	}
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	timer := NewStageTimer("resolve_chart")
	chartPath, err := e.ensureChart(rel.Chart)
	timer.ObserveDuration()
	if err != nil {
		return res, failed(t.ID(), res.State, err)
	}
	loaded, err := chartutil.Load(chartPath)
	if err != nil {
		return res, failed(t.ID(), res.State, errors.Wrap(err, "loading chart"))
	}
	if err := checkChartVersion(rel.Chart.Version, loaded.GetMetadata().GetVersion()); err != nil {
		return res, failed(t.ID(), res.State, err)
	}

	vals, err := resolveValues(rel.Values, req.Values, "")
	if err != nil {
		return res, failed(t.ID(), res.State, err)
	}
	rawVals, err := vals.YAML()
	if err != nil {
		return res, failed(t.ID(), res.State, errors.Wrap(err, "rendering values"))
	}
	res.State = StateValuesResolved
	e.logger.Log("target", t.ID(), "state", res.State, "chart", loaded.GetMetadata().GetName(), "chartVersion", loaded.GetMetadata().GetVersion())

	// A release that isn't there yet means install rather than
	// upgrade, and means there is no revision to roll back to.
	var prior *hapi_release.Release
	content, err := e.helmClient.ReleaseContent(rel.ReleaseName)
	if err != nil && !isNoRelease(err) {
		return res, failed(t.ID(), res.State, errors.Wrap(err, "querying existing release"))
	}
	if content != nil {
		prior = content.Release
		res.PriorVersion = strconv.Itoa(int(prior.Version))
	}

	timer = NewStageTimer("preview")
	preview, err := e.preview(rel, chartPath, []byte(rawVals), prior == nil)
	timer.ObserveDuration()
	if err != nil {
		return res, failed(t.ID(), res.State, err)
	}
	res.Preview = preview
	res.State = StateDiffPreviewed
	if req.DryRun {
		res.Status = StatusSucceeded
		res.Message = "dry run; nothing was applied"
		return res, nil
	}

	if err := e.ensureNamespace(rel.Namespace); err != nil {
		return res, failed(t.ID(), res.State, err)
	}

	// From here to the end of the helm call the release is mutating;
	// the helm v2 client has no context to cancel, which is exactly
	// the contract: half-applied upgrades are worse than slow ones.
	res.State = StateUpgrading
	e.logger.Log("target", t.ID(), "state", res.State, "release", rel.ReleaseName, "install", prior == nil)
	timer = NewStageTimer("upgrade")
	newRel, err := e.apply(rel, chartPath, []byte(rawVals), prior == nil, timeout)
	timer.ObserveDuration()
	if err != nil {
		if atomic {
			return e.rollBack(res, rel, prior, timeout, err)
		}
		return res, failed(t.ID(), res.State, err)
	}
	if newRel != nil {
		res.Version = strconv.Itoa(int(newRel.Version))
	}

	if wait {
		res.State = StateWaitingForReadiness
		timer = NewStageTimer("wait_ready")
		err = e.waitForReadiness(ctx, rel.ReleaseName, rel.Namespace, timeout)
		timer.ObserveDuration()
		if err != nil {
			if atomic {
				return e.rollBack(res, rel, prior, timeout, err)
			}
			if errors.Cause(err) == context.DeadlineExceeded {
				return res, timedOut(t.ID(), res.State, err)
			}
			return res, failed(t.ID(), res.State, err)
		}
	} else {
		res.Message = "readiness wait skipped"
		e.logger.Log("target", t.ID(), "state", res.State, "note", "readiness wait skipped")
	}

	res.State = StateSucceeded
	res.Status = StatusSucceeded
	e.logger.Log("target", t.ID(), "state", res.State, "revision", res.Version)
	return res, nil
}

// Rollback restores a previous revision on demand, e.g. when a
// verification gate fails a release that deployed cleanly.
func (e *ReleaseExecutor) Rollback(ctx context.Context, t target.Target, toVersion string, cause Cause) (*Result, error) {
	rel := t.Release
	if t.Kind != target.KindClusterRelease || rel == nil {
		return nil, errors.Errorf("target %s is not a cluster release", t.ID())
	}
	res := &Result{
		Target:    t.ID(),
		Kind:      t.Kind,
		Status:    StatusFailed,
		State:     StateRollingBack,
		StartedAt: time.Now().UTC(),
	}
	defer func() { res.FinishedAt = time.Now().UTC() }()

	rev, err := strconv.Atoi(toVersion)
	if err != nil {
		return res, failed(t.ID(), res.State, errors.Errorf("%q is not a helm revision", toVersion))
	}
	_, err = e.helmClient.RollbackRelease(rel.ReleaseName,
		k8shelm.RollbackVersion(int32(rev)),
		k8shelm.RollbackWait(true),
		k8shelm.RollbackTimeout(int64(defaultReleaseTimeout/time.Second)),
	)
	if err != nil {
		return res, failed(t.ID(), res.State, errors.Wrap(err, "rolling back release"))
	}
	res.Status = StatusRolledBack
	res.State = StateRolledBack
	res.Version = toVersion
	res.Message = fmt.Sprintf("rolled back to revision %d: %s", rev, cause.Message)
	e.logger.Log("target", t.ID(), "state", res.State, "revision", rev)
	return res, nil
}

// rollBack is the atomic path out of a failed upgrade. Ending up on
// the prior revision is the contract being honored, so the result is
// rolled-back, not an error; the original failure is kept in the
// message. A failed first install has no prior revision, so atomic
// there means uninstalling what half-arrived.
func (e *ReleaseExecutor) rollBack(res *Result, rel *target.Release, prior *hapi_release.Release, timeout time.Duration, reason error) (*Result, error) {
	res.State = StateRollingBack
	e.logger.Log("target", res.Target, "state", res.State, "reason", reason)

	if prior == nil {
		if _, err := e.helmClient.DeleteRelease(rel.ReleaseName, k8shelm.DeletePurge(true)); err != nil {
			return res, failed(res.Target, res.State, errors.Wrapf(err, "uninstalling failed initial install (install failed with: %s)", reason))
		}
		res.Status = StatusRolledBack
		res.State = StateRolledBack
		res.Version = ""
		res.Message = fmt.Sprintf("initial install failed and was uninstalled: %s", reason)
		return res, nil
	}

	_, err := e.helmClient.RollbackRelease(rel.ReleaseName,
		k8shelm.RollbackVersion(prior.Version),
		k8shelm.RollbackWait(true),
		k8shelm.RollbackTimeout(int64(timeout/time.Second)),
	)
	if err != nil {
		return res, failed(res.Target, res.State, errors.Wrapf(err, "rolling back to revision %d (upgrade failed with: %s)", prior.Version, reason))
	}
	res.Status = StatusRolledBack
	res.State = StateRolledBack
	res.Version = strconv.Itoa(int(prior.Version))
	res.Message = fmt.Sprintf("rolled back to revision %d: %s", prior.Version, reason)
	e.logger.Log("target", res.Target, "state", res.State, "revision", prior.Version)
	return res, nil
}

func (e *ReleaseExecutor) preview(rel *target.Release, chartPath string, rawVals []byte, install bool) (string, error) {
	if install {
		dry, err := e.helmClient.InstallRelease(chartPath, rel.Namespace,
			k8shelm.ValueOverrides(rawVals),
			k8shelm.ReleaseName(rel.ReleaseName),
			k8shelm.InstallDryRun(true),
		)
		if err != nil {
			return "", errors.Wrap(err, "rendering install preview")
		}
		return dry.GetRelease().GetManifest(), nil
	}
	dry, err := e.helmClient.UpdateRelease(rel.ReleaseName, chartPath,
		k8shelm.UpdateValueOverrides(rawVals),
		k8shelm.UpgradeDryRun(true),
	)
	if err != nil {
		return "", errors.Wrap(err, "rendering upgrade preview")
	}
	return dry.GetRelease().GetManifest(), nil
}

func (e *ReleaseExecutor) apply(rel *target.Release, chartPath string, rawVals []byte, install bool, timeout time.Duration) (*hapi_release.Release, error) {
	if install {
		instRes, err := e.helmClient.InstallRelease(chartPath, rel.Namespace,
			k8shelm.ValueOverrides(rawVals),
			k8shelm.ReleaseName(rel.ReleaseName),
			k8shelm.InstallTimeout(int64(timeout/time.Second)),
		)
		if err != nil {
			return nil, errors.Wrap(err, "installing release")
		}
		return instRes.GetRelease(), nil
	}
	upRes, err := e.helmClient.UpdateRelease(rel.ReleaseName, chartPath,
		k8shelm.UpdateValueOverrides(rawVals),
		k8shelm.UpgradeTimeout(int64(timeout/time.Second)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "upgrading release")
	}
	return upRes.GetRelease(), nil
}

// waitForReadiness polls until the release reports deployed and its
// workloads have all their replicas updated and ready. Unlike the
// upgrade itself, waiting is safely interruptible.
func (e *ReleaseExecutor) waitForReadiness(ctx context.Context, name, namespace string, timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(e.pollInterval)
	defer tick.Stop()

	var lastWhy string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			why := lastWhy
			if why == "" {
				why = "release did not report readiness"
			}
			return errors.Wrap(context.DeadlineExceeded, why)
		case <-tick.C:
			ready, why, err := e.releaseReady(name, namespace)
			if err != nil {
				if k8serrors.IsForbidden(errors.Cause(err)) || k8serrors.IsUnauthorized(errors.Cause(err)) {
					return err
				}
				// Transient lookup errors don't fail the wait; the
				// deadline has the final say.
				lastWhy = err.Error()
				continue
			}
			if ready {
				return nil
			}
			lastWhy = why
		}
	}
}

func (e *ReleaseExecutor) releaseReady(name, namespace string) (bool, string, error) {
	status, err := e.helmClient.ReleaseStatus(name)
	if err != nil {
		return false, "", errors.Wrap(err, "querying release status")
	}
	code := status.GetInfo().GetStatus().GetCode()
	switch code {
	case hapi_release.Status_DEPLOYED:
		// fall through to workload checks
	case hapi_release.Status_FAILED:
		return false, "", errors.New("release reports failed")
	default:
		return false, fmt.Sprintf("release status %s", code), nil
	}

	for _, selector := range []string{"release=" + name, "app.kubernetes.io/instance=" + name} {
		deployments, err := e.kubeClient.AppsV1().Deployments(namespace).List(metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return false, "", errors.Wrap(err, "listing deployments")
		}
		for _, d := range deployments.Items {
			want := wantReplicas(d.Spec.Replicas)
			if d.Status.UpdatedReplicas < want || d.Status.ReadyReplicas < want {
				return false, fmt.Sprintf("deployment %s: %d/%d ready", d.Name, d.Status.ReadyReplicas, want), nil
			}
		}
		statefulsets, err := e.kubeClient.AppsV1().StatefulSets(namespace).List(metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return false, "", errors.Wrap(err, "listing statefulsets")
		}
		for _, s := range statefulsets.Items {
			want := wantReplicas(s.Spec.Replicas)
			if s.Status.UpdatedReplicas < want || s.Status.ReadyReplicas < want {
				return false, fmt.Sprintf("statefulset %s: %d/%d ready", s.Name, s.Status.ReadyReplicas, want), nil
			}
		}
	}
	return true, "", nil
}

func (e *ReleaseExecutor) ensureNamespace(namespace string) error {
	_, err := e.kubeClient.CoreV1().Namespaces().Create(&corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: namespace},
	})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		return errors.Wrapf(err, "ensuring namespace %s", namespace)
	}
	return nil
}

// ensureChart returns a local path for the target's chart, fetching
// it into the cache if necessary.
func (e *ReleaseExecutor) ensureChart(c target.Chart) (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}

	// Helm's support libs are designed to be driven by the
	// command-line client, so settings come from flags and the
	// environment; we only care that HELM_HOME is honored, for
	// repository credentials.
	var settings helmenv.EnvSettings
	flags := pflag.NewFlagSet("helm-env", pflag.ContinueOnError)
	settings.AddFlags(flags)
	settings.Init(flags)
	getters := getter.All(settings)

	repoURL := strings.TrimRight(c.RepoURL, "/")
	entry := &repo.Entry{}
	if repoFile, err := repo.LoadRepositoriesFile(settings.Home.RepositoryFile()); err == nil {
		for _, candidate := range repoFile.Repositories {
			if strings.TrimRight(candidate.URL, "/") == repoURL {
				entry = candidate
				break
			}
		}
	}

	chartURL, err := repo.FindChartInAuthRepoURL(repoURL, entry.Username, entry.Password, c.Name, c.Version,
		entry.CertFile, entry.KeyFile, entry.CAFile, getters)
	if err != nil {
		return "", errors.Wrapf(err, "resolving chart %s in %s", c.Name, c.RepoURL)
	}

	u, err := url.Parse(chartURL)
	if err != nil {
		return "", err
	}
	cacheDir := filepath.Join(e.chartCache, base64.URLEncoding.EncodeToString([]byte(repoURL)))
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", err
	}
	chartPath := filepath.Join(cacheDir, filepath.Base(u.Path))
	if _, err := os.Stat(chartPath); err == nil {
		return chartPath, nil
	}

	getterConstructor, err := getters.ByScheme(u.Scheme)
	if err != nil {
		return "", err
	}
	g, err := getterConstructor(chartURL, entry.CertFile, entry.KeyFile, entry.CAFile)
	if err != nil {
		return "", err
	}
	if t, ok := g.(*getter.HttpGetter); ok {
		t.SetCredentials(entry.Username, entry.Password)
	}
	chartBytes, err := g.Get(u.String())
	if err != nil {
		return "", errors.Wrapf(err, "fetching chart %s", chartURL)
	}
	if err := os.WriteFile(chartPath, chartBytes.Bytes(), 0644); err != nil {
		return "", err
	}
	return chartPath, nil
}

// checkChartVersion re-checks the fetched chart against the target's
// constraint; the repository index already honored it, but charts
// from local paths went past that.
func checkChartVersion(constraint, version string) error {
	if constraint == "" || version == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(err, "parsing chart version constraint %q", constraint)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "parsing chart version %q", version)
	}
	if !c.Check(v) {
		return errors.Errorf("chart version %s does not satisfy constraint %q", version, constraint)
	}
	return nil
}

// isNoRelease recognises tiller's way of saying the release doesn't
// exist yet.
func isNoRelease(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

func wantReplicas(spec *int32) int32 {
	if spec == nil {
		return 1
	}
	return *spec
}
