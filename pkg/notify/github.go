package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/google/go-github/v28/github"
	"github.com/pkg/errors"
	giturls "github.com/whilp/git-urls"
	"golang.org/x/oauth2"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/deploy"
	"github.com/signapse/shipyard/pkg/ledger"
)

// GitHub deployment status descriptions are capped by the API.
const maxDescription = 140

// GitHub posts a deployment and its status against the commit the
// artifact was built from. Records without provenance (no github.com
// origin, or no revision) are skipped; there is nothing to attach a
// status to.
type GitHub struct {
	logger log.Logger
	repos  githubRepos
}

// githubRepos is the slice of the GitHub API the notifier needs,
// narrowed so tests can stand in for it.
type githubRepos interface {
	CreateDeployment(ctx context.Context, owner, repo string, request *github.DeploymentRequest) (*github.Deployment, *github.Response, error)
	CreateDeploymentStatus(ctx context.Context, owner, repo string, deployment int64, request *github.DeploymentStatusRequest) (*github.DeploymentStatus, *github.Response, error)
}

// NewGitHub returns a notifier authenticated with the given OAuth
// token.
func NewGitHub(logger log.Logger, token string) *GitHub {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &GitHub{logger: logger, repos: github.NewClient(tc).Repositories}
}

func (g *GitHub) Notify(ctx context.Context, rec ledger.Record) error {
	owner, repo, ref, ok := provenance(rec)
	if !ok {
		g.logger.Log("notify", "skipped", "reason", "no github provenance", "target", rec.Target)
		return nil
	}

	desc := describe(rec)
	dep, _, err := g.repos.CreateDeployment(ctx, owner, repo, &github.DeploymentRequest{
		Ref:         github.String(ref),
		Environment: github.String(environmentOf(rec.Target)),
		Description: github.String(desc),
		AutoMerge:   github.Bool(false),
		// An empty list, not nil: nil means "all default contexts
		// must be green", which would block statuses for commits
		// deployed before their checks finish.
		RequiredContexts: &[]string{},
	})
	if err != nil {
		return errors.Wrapf(err, "creating deployment for %s/%s@%s", owner, repo, ref)
	}

	_, _, err = g.repos.CreateDeploymentStatus(ctx, owner, repo, dep.GetID(), &github.DeploymentStatusRequest{
		State:       github.String(stateOf(rec.Status)),
		Description: github.String(desc),
	})
	return errors.Wrap(err, "creating deployment status")
}

// provenance digs the source commit and repository out of the
// artifact metadata recorded with the deployment.
func provenance(rec ledger.Record) (owner, repo, ref string, ok bool) {
	if len(rec.Artifact) == 0 {
		return "", "", "", false
	}
	var a artifact.Artifact
	if err := json.Unmarshal(rec.Artifact, &a); err != nil {
		return "", "", "", false
	}
	if a.Source.Origin == "" || a.Source.Revision == "" {
		return "", "", "", false
	}
	u, err := giturls.Parse(a.Source.Origin)
	if err != nil || u.Host != "github.com" {
		return "", "", "", false
	}
	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], a.Source.Revision, true
}

// stateOf maps a deployment outcome onto the states the GitHub API
// accepts. A rollback leaves the deployment inactive rather than
// failed: the commit isn't running, but nothing is broken either.
func stateOf(status string) string {
	switch deploy.Status(status) {
	case deploy.StatusSucceeded:
		return "success"
	case deploy.StatusRolledBack:
		return "inactive"
	default:
		return "failure"
	}
}

func describe(rec ledger.Record) string {
	desc := fmt.Sprintf("%s: %s", rec.Target, rec.Status)
	if rec.Version != "" {
		desc = fmt.Sprintf("%s (version %s)", desc, rec.Version)
	}
	if rec.Message != "" {
		desc = fmt.Sprintf("%s: %s", desc, rec.Message)
	}
	if len(desc) > maxDescription {
		desc = desc[:maxDescription-3] + "..."
	}
	return desc
}

// environmentOf takes the environment half of a target ID
// ("production/checkout-api" -> "production").
func environmentOf(targetID string) string {
	if i := strings.Index(targetID, "/"); i > 0 {
		return targetID[:i]
	}
	return targetID
}
