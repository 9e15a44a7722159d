// Package config is the configuration for shipd, shared so it can be
// used by shipd itself as well as anything that needs to construct a
// fully-wired daemon.
package config

import (
	"os"

	"github.com/creasty/defaults"
	"github.com/ghodss/yaml"
	validator "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type Config struct {
	// Registry is the path of the target registry file.
	Registry string `json:"registry" default:"targets.yaml" validate:"required"`

	Store        StoreConfig        `json:"store"`
	Ledger       LedgerConfig       `json:"ledger"`
	Helm         HelmConfig         `json:"helm"`
	Verification VerificationConfig `json:"verification"`
	GitHub       GitHubConfig       `json:"github"`
}

// StoreConfig selects the artifact store backend. An empty Backend
// means no store: deploys then need a storeRef or a package under the
// direct upload limit.
type StoreConfig struct {
	Backend string `json:"backend" validate:"omitempty,oneof=s3 local"`
	// s3
	Bucket  string `json:"bucket" validate:"required_if=Backend s3"`
	Prefix  string `json:"prefix"`
	Region  string `json:"region"`
	RoleARN string `json:"roleArn"`
	// local
	Root string `json:"root" validate:"required_if=Backend local"`
}

type LedgerConfig struct {
	Driver string `json:"driver" default:"sqlite" validate:"oneof=sqlite postgres"`
	DSN    string `json:"dsn" default:"shipyard.db"`
	// RetentionDays bounds how long artifact audit payloads are kept;
	// the release records themselves are never pruned.
	RetentionDays int `json:"retentionDays" default:"90" validate:"gte=1"`
}

// HelmConfig is only read when Enabled; shipd without a cluster
// serves function targets just fine.
type HelmConfig struct {
	Enabled bool `json:"enabled"`
	// TillerHost overrides discovery of the tiller-deploy service.
	TillerHost            string `json:"tillerHost"`
	TillerNamespace       string `json:"tillerNamespace" default:"kube-system"`
	ConnectTimeoutSeconds int    `json:"connectTimeoutSeconds" default:"10" validate:"gte=1"`
	ChartCache            string `json:"chartCache" default:"/var/lib/shipyard/charts"`
}

// VerificationConfig configures the gate run after every successful
// deployment. Checks apply to all targets; a daemon serving disparate
// services should lean on per-deployment verification from the CLI
// instead.
type VerificationConfig struct {
	TimeoutSeconds      int           `json:"timeoutSeconds" default:"120" validate:"gte=1"`
	RollbackOnUnhealthy bool          `json:"rollbackOnUnhealthy"`
	Checks              []CheckConfig `json:"checks" validate:"dive"`
}

// CheckConfig is one verification check. Type picks which fields
// matter.
type CheckConfig struct {
	Type string `json:"type" validate:"required,oneof=http function port-forward"`

	// http
	URL          string `json:"url" validate:"required_if=Type http"`
	ExpectStatus int    `json:"expectStatus"`
	JSONPath     string `json:"jsonPath"`
	Expect       string `json:"expect"`

	// function
	FunctionName string `json:"functionName" validate:"required_if=Type function"`
	Qualifier    string `json:"qualifier"`
	Region       string `json:"region" validate:"required_if=Type function"`
	Payload      string `json:"payload"`

	// port-forward
	Namespace string            `json:"namespace" validate:"required_if=Type port-forward"`
	Selector  map[string]string `json:"selector"`
	Port      int               `json:"port" validate:"required_if=Type port-forward"`
	Path      string            `json:"path"`
}

// GitHubConfig enables deployment status notifications. TokenFile
// wins over Token, so the secret can live in a mounted file instead
// of the config.
type GitHubConfig struct {
	Token     string `json:"token"`
	TokenFile string `json:"tokenFile"`
}

// ResolveToken reads the notification token, preferring the file.
func (g GitHubConfig) ResolveToken() (string, error) {
	if g.TokenFile == "" {
		return g.Token, nil
	}
	raw, err := os.ReadFile(g.TokenFile)
	if err != nil {
		return "", errors.Wrap(err, "reading github token file")
	}
	return string(raw), nil
}

var validate *validator.Validate

func (c Config) Validate() error {
	if validate == nil {
		validate = validator.New()
	}
	return validate.Struct(c)
}

// New returns a Config with every default applied.
func New() (Config, error) {
	var c Config
	err := defaults.Set(&c)
	return c, err
}

// Load reads a config file. Absent fields take their defaults; the
// result is validated before anyone gets to act on it.
func Load(path string) (Config, error) {
	var c Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, errors.Wrap(err, "parsing config file")
	}
	if err := defaults.Set(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}
