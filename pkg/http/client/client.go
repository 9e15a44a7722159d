// Package client is the programmatic client for shipd's API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/api"
	transport "github.com/signapse/shipyard/pkg/http"
	"github.com/signapse/shipyard/pkg/http/httperror"
	"github.com/signapse/shipyard/pkg/ledger"
	"github.com/signapse/shipyard/pkg/pipeline"
	"github.com/signapse/shipyard/pkg/target"
)

type Token string

func (t Token) Set(req *http.Request) {
	if string(t) != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t))
	}
}

type Client struct {
	client   *http.Client
	token    Token
	router   *mux.Router
	endpoint string
}

var _ api.Server = &Client{}

func New(c *http.Client, router *mux.Router, endpoint string, t Token) *Client {
	return &Client{
		client:   c,
		token:    t,
		router:   router,
		endpoint: endpoint,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, nil, transport.Ping)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v string
	err := c.get(ctx, &v, transport.Version)
	return v, err
}

func (c *Client) ListTargets(ctx context.Context) ([]target.Target, error) {
	var res []target.Target
	err := c.get(ctx, &res, transport.ListTargets)
	return res, err
}

func (c *Client) Deploy(ctx context.Context, req api.DeployRequest) (pipeline.JobID, error) {
	var id pipeline.JobID
	u, err := transport.MakeURL(c.endpoint, c.router, transport.Deploy)
	if err != nil {
		return id, errors.Wrap(err, "constructing URL")
	}
	err = c.exchange(ctx, "POST", u, req, &id)
	return id, err
}

func (c *Client) JobStatus(ctx context.Context, id pipeline.JobID) (pipeline.Status, error) {
	var res pipeline.Status
	u, err := transport.MakeVarURL(c.endpoint, c.router, transport.JobStatus, "id", string(id))
	if err != nil {
		return res, errors.Wrap(err, "constructing URL")
	}
	err = c.exchange(ctx, "GET", u, nil, &res)
	return res, err
}

func (c *Client) History(ctx context.Context, q api.HistoryQuery) ([]ledger.Record, error) {
	var res []ledger.Record
	err := c.get(ctx, &res, transport.History, "service", q.Service, "environment", q.Environment)
	return res, err
}

func (c *Client) LatestRelease(ctx context.Context, q api.HistoryQuery) (*ledger.Record, error) {
	var res ledger.Record
	err := c.get(ctx, &res, transport.LatestRelease, "service", q.Service, "environment", q.Environment)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// --- request plumbing

// get unmarshals the response of a GET to the named route into dest,
// if dest is non-nil.
func (c *Client) get(ctx context.Context, dest interface{}, route string, queryParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, queryParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}
	return c.exchange(ctx, "GET", u, nil, dest)
}

// exchange runs one round trip: body out (JSON-encoded, if non-nil),
// response in (JSON-decoded into dest, if non-nil and non-empty).
func (c *Client) exchange(ctx context.Context, method string, u *url.URL, body interface{}, dest interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)
	c.token.Set(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "executing HTTP request")
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response from server")
	}
	if len(respBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, dest); err != nil {
		return errors.Wrap(err, "decoding response from server")
	}
	return nil
}

// checkResponse turns a non-2xx response into an *httperror.APIError
// carrying the server's kind, so callers can branch on it.
func checkResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusAccepted:
		return nil
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response body of error")
	}
	apiErr := &httperror.APIError{StatusCode: resp.StatusCode}
	if strings.HasPrefix(resp.Header.Get(http.CanonicalHeaderKey("Content-Type")), "application/json") {
		if err := json.Unmarshal(body, apiErr); err == nil && apiErr.Message != "" {
			return apiErr
		}
	}
	apiErr.Message = strings.TrimSpace(resp.Status + " " + string(body))
	return apiErr
}
