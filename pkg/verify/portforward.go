package verify

import (
	"context"
	"fmt"
	"strings"

	portforward "github.com/justinbarrick/go-k8s-portforward"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PortForwardCheck probes a service that has no ingress by
// forwarding a pod port to localhost and running an HTTP check
// through the tunnel. Pod selection, kube config and the local port
// are all handled by the forwarder.
type PortForwardCheck struct {
	Namespace    string
	Selector     metav1.LabelSelector
	Port         int // pod port
	Path         string
	ExpectStatus int
	JSONPath     string
	Expect       string
}

func (c *PortForwardCheck) Name() string {
	return fmt.Sprintf("port-forward %s :%d%s", c.Namespace, c.Port, c.Path)
}

func (c *PortForwardCheck) Check(ctx context.Context) error {
	fwd, err := portforward.NewPortForwarder(c.Namespace, c.Selector, c.Port)
	if err != nil {
		return errors.Wrap(err, "creating port forward")
	}
	if err := fwd.Start(); err != nil {
		return errors.Wrap(err, "starting port forward")
	}
	defer fwd.Stop()

	path := c.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	probe := &HTTPCheck{
		URL:          fmt.Sprintf("http://127.0.0.1:%d%s", fwd.ListenPort, path),
		ExpectStatus: c.ExpectStatus,
		JSONPath:     c.JSONPath,
		Expect:       c.Expect,
	}
	return probe.Check(ctx)
}
