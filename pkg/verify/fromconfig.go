package verify

import (
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/signapse/shipyard/pkg/config"
	"github.com/signapse/shipyard/pkg/ratelimit"
)

// Probe traffic per host while a gate polls. Deliberately modest: a
// verification round is a handful of requests, not a load test.
const (
	probeRPS     = 5.0
	probeBurst   = 2
	probeTimeout = 10 * time.Second
)

// FromConfig builds the verification gate from config. No checks
// means no gate, and the pipeline skips verification entirely.
func FromConfig(cfg config.VerificationConfig, logger log.Logger) (*Gate, error) {
	if len(cfg.Checks) == 0 {
		return nil, nil
	}
	limiters := &ratelimit.Limiters{RPS: probeRPS, Burst: probeBurst, Logger: logger}
	checkers := make([]Checker, 0, len(cfg.Checks))
	for _, cc := range cfg.Checks {
		switch cc.Type {
		case "http":
			u, err := url.Parse(cc.URL)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing check URL %q", cc.URL)
			}
			checkers = append(checkers, &HTTPCheck{
				URL:          cc.URL,
				ExpectStatus: cc.ExpectStatus,
				JSONPath:     cc.JSONPath,
				Expect:       cc.Expect,
				Client:       NewHTTPClient(limiters, u.Host, probeTimeout),
			})
		case "function":
			sess, err := session.NewSession(&aws.Config{Region: aws.String(cc.Region)})
			if err != nil {
				return nil, errors.Wrap(err, "creating AWS session")
			}
			checkers = append(checkers, &FunctionCheck{
				FunctionName: cc.FunctionName,
				Qualifier:    cc.Qualifier,
				Payload:      []byte(cc.Payload),
				JSONPath:     cc.JSONPath,
				Expect:       cc.Expect,
				Client:       lambda.New(sess),
			})
		case "port-forward":
			checkers = append(checkers, &PortForwardCheck{
				Namespace:    cc.Namespace,
				Selector:     metav1.LabelSelector{MatchLabels: cc.Selector},
				Port:         cc.Port,
				Path:         cc.Path,
				ExpectStatus: cc.ExpectStatus,
				JSONPath:     cc.JSONPath,
				Expect:       cc.Expect,
			})
		default:
			return nil, errors.Errorf("unknown check type %q", cc.Type)
		}
	}
	return NewGate(logger, checkers...), nil
}
