package deploy

import (
	"fmt"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	k8shelm "k8s.io/helm/pkg/helm"

	"github.com/signapse/shipyard/pkg/config"
)

// NewHelmClient connects to tiller. With no host configured it finds
// the tiller-deploy service in the configured namespace, which is
// where helm init puts it.
func NewHelmClient(kubeClient kubernetes.Interface, cfg config.HelmConfig) (*k8shelm.Client, error) {
	host := cfg.TillerHost
	if host == "" {
		svc, err := kubeClient.CoreV1().Services(cfg.TillerNamespace).Get("tiller-deploy", metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "looking up tiller-deploy in %s", cfg.TillerNamespace)
		}
		if len(svc.Spec.Ports) == 0 {
			return nil, errors.Errorf("tiller-deploy service in %s has no ports", cfg.TillerNamespace)
		}
		host = fmt.Sprintf("%s:%v", svc.Spec.ClusterIP, svc.Spec.Ports[0].Port)
	}
	return k8shelm.NewClient(
		k8shelm.Host(host),
		k8shelm.ConnectTimeout(int64(cfg.ConnectTimeoutSeconds)),
	), nil
}
