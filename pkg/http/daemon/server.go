// Package daemon serves the shipyard API over HTTP.
package daemon

import (
	"io"
	"io/ioutil"
	"net/http"

	"github.com/ghodss/yaml"
	"github.com/gorilla/mux"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/middleware"

	"github.com/signapse/shipyard/pkg/api"
	transport "github.com/signapse/shipyard/pkg/http"
	"github.com/signapse/shipyard/pkg/http/httperror"
	shipmetrics "github.com/signapse/shipyard/pkg/metrics"
	"github.com/signapse/shipyard/pkg/pipeline"
)

// maxDeployBody bounds deploy request bodies. Deploys carry values
// overrides, not packages; packages go through the store.
const maxDeployBody = 1 << 20

var (
	requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: "shipyard",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{shipmetrics.LabelMethod, shipmetrics.LabelRoute, "status_code", "ws"})
)

func init() {
	stdprometheus.MustRegister(requestDuration)
}

// NewRouter declares the daemon's routes. Anything that doesn't
// match is assumed to be a client expecting an API this daemon
// doesn't speak.
func NewRouter() *mux.Router {
	r := transport.NewAPIRouter()
	r.NewRoute().Name("NotFound").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, http.StatusNotFound, &httperror.APIError{
			Kind:    httperror.KindBadRequest,
			Message: "no API endpoint at " + r.URL.Path,
		})
	})
	return r
}

// NewHandler attaches the server's handlers to the router and wraps
// it in request metrics.
func NewHandler(s api.Server, r *mux.Router) http.Handler {
	handle := HTTPServer{s}

	r.Get(transport.Ping).HandlerFunc(handle.Ping)
	r.Get(transport.Version).HandlerFunc(handle.Version)
	r.Get(transport.ListTargets).HandlerFunc(handle.ListTargets)
	r.Get(transport.Deploy).HandlerFunc(handle.Deploy)
	r.Get(transport.JobStatus).HandlerFunc(handle.JobStatus)
	r.Get(transport.History).HandlerFunc(handle.History)
	r.Get(transport.LatestRelease).HandlerFunc(handle.LatestRelease)

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

type HTTPServer struct {
	server api.Server
}

func (s HTTPServer) Ping(w http.ResponseWriter, r *http.Request) {
	if err := s.server.Ping(r.Context()); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s HTTPServer) Version(w http.ResponseWriter, r *http.Request) {
	version, err := s.server.Version(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, version)
}

func (s HTTPServer) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.server.ListTargets(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, targets)
}

func (s HTTPServer) Deploy(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxDeployBody))
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, err)
		return
	}

	// YAML in, or JSON in; JSON is YAML, so one decoder does both.
	var req api.DeployRequest
	if err := yaml.Unmarshal(body, &req); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, &httperror.APIError{
			Kind:    httperror.KindBadRequest,
			Message: "decoding request body: " + err.Error(),
		})
		return
	}

	jobID, err := s.server.Deploy(r.Context(), req)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, jobID)
}

func (s HTTPServer) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := pipeline.JobID(mux.Vars(r)["id"])
	status, err := s.server.JobStatus(r.Context(), id)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, status)
}

func (s HTTPServer) History(w http.ResponseWriter, r *http.Request) {
	q, ok := historyQuery(w, r)
	if !ok {
		return
	}
	records, err := s.server.History(r.Context(), q)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, records)
}

func (s HTTPServer) LatestRelease(w http.ResponseWriter, r *http.Request) {
	q, ok := historyQuery(w, r)
	if !ok {
		return
	}
	rec, err := s.server.LatestRelease(r.Context(), q)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, rec)
}

func historyQuery(w http.ResponseWriter, r *http.Request) (api.HistoryQuery, bool) {
	q := api.HistoryQuery{
		Service:     r.URL.Query().Get("service"),
		Environment: r.URL.Query().Get("environment"),
	}
	if q.Service == "" {
		transport.WriteError(w, r, http.StatusBadRequest, &httperror.APIError{
			Kind:    httperror.KindBadRequest,
			Message: "service is required",
		})
		return q, false
	}
	return q, true
}
