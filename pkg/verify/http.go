package verify

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"context"

	"github.com/Jeffail/gabs"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/ratelimit"
)

// Probe bodies are diagnostics, not payloads.
const maxProbeBody = 1 << 20

// HTTPCheck probes a URL, expecting a particular status and
// optionally a particular value at a path into the JSON body, e.g.
// JSONPath "status.ready" Expect "true".
type HTTPCheck struct {
	URL          string
	Method       string      // default GET
	Header       http.Header // extra headers, e.g. Host or auth
	ExpectStatus int         // default 200
	JSONPath     string
	Expect       string
	Client       *http.Client
}

func (c *HTTPCheck) Name() string {
	return "http " + c.URL
}

func (c *HTTPCheck) Check(ctx context.Context) error {
	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequest(method, c.URL, nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return errors.Wrap(err, "reading response")
	}

	expect := c.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}
	if resp.StatusCode != expect {
		return errors.Errorf("status %d, want %d", resp.StatusCode, expect)
	}
	if c.JSONPath == "" {
		return nil
	}
	return assertJSONPath(body, c.JSONPath, c.Expect)
}

// NewHTTPClient returns a client for probe traffic, rate limited per
// host so repeated verification rounds stay polite.
func NewHTTPClient(limiters *ratelimit.Limiters, host string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: limiters.RoundTripper(http.DefaultTransport, host),
		Timeout:   timeout,
	}
}

func assertJSONPath(body []byte, path, expect string) error {
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return errors.Wrap(err, "parsing response body")
	}
	if !parsed.ExistsP(path) {
		return errors.Errorf("no value at %s", path)
	}
	got := fmt.Sprintf("%v", parsed.Path(path).Data())
	if got != expect {
		return errors.Errorf("%s is %q, want %q", path, got, expect)
	}
	return nil
}
