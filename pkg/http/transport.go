package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/api"
	"github.com/signapse/shipyard/pkg/deploy"
	"github.com/signapse/shipyard/pkg/http/httperror"
	"github.com/signapse/shipyard/pkg/ledger"
	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
)

// NewAPIRouter declares every route by name; handlers are attached
// by the daemon, URLs are built by the client with MakeURL.
func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Ping).Methods("GET").Path("/v1/ping")
	r.NewRoute().Name(Version).Methods("GET").Path("/v1/version")
	r.NewRoute().Name(ListTargets).Methods("GET").Path("/v1/targets")
	r.NewRoute().Name(Deploy).Methods("POST").Path("/v1/deploy")
	r.NewRoute().Name(JobStatus).Methods("GET").Path("/v1/jobs/{id}")
	r.NewRoute().Name(History).Methods("GET").Path("/v1/history")
	r.NewRoute().Name(LatestRelease).Methods("GET").Path("/v1/releases/latest")

	return r
}

// MakeURL joins an endpoint with a named route's path and the given
// query parameters.
func MakeURL(endpoint string, router *mux.Router, routeName string, urlParams ...string) (*url.URL, error) {
	if len(urlParams)%2 != 0 {
		panic("urlParams must be even!")
	}

	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}
	route := router.Get(routeName)
	if route == nil {
		return nil, errors.New("no route with name " + routeName)
	}
	routeURL, err := route.URLPath()
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}

	v := url.Values{}
	for i := 0; i < len(urlParams); i += 2 {
		v.Add(urlParams[i], urlParams[i+1])
	}

	endpointURL.Path = path.Join(endpointURL.Path, routeURL.Path)
	endpointURL.RawQuery = v.Encode()
	return endpointURL, nil
}

// MakeVarURL is MakeURL for routes with path variables, e.g.
// /v1/jobs/{id}.
func MakeVarURL(endpoint string, router *mux.Router, routeName string, vars ...string) (*url.URL, error) {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}
	route := router.Get(routeName)
	if route == nil {
		return nil, errors.New("no route with name " + routeName)
	}
	routeURL, err := route.URLPath(vars...)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}
	endpointURL.Path = path.Join(endpointURL.Path, routeURL.Path)
	return endpointURL, nil
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ErrorResponse translates the packages' typed errors into status
// codes and wire kinds, so clients can branch without parsing
// message text.
func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	code := http.StatusInternalServerError
	kind := httperror.KindServer

	cause := errors.Cause(apiError)
	if e, ok := cause.(*httperror.APIError); ok {
		// Already shaped for the wire.
		if e.StatusCode == 0 {
			e.StatusCode = http.StatusInternalServerError
		}
		WriteError(w, r, e.StatusCode, e)
		return
	}
	switch {
	case target.IsNotFound(cause):
		code, kind = http.StatusNotFound, httperror.KindTargetNotFound
	case target.IsAmbiguous(cause):
		code, kind = http.StatusConflict, httperror.KindAmbiguousTarget
	case cause == api.ErrUnknownJob:
		code, kind = http.StatusNotFound, httperror.KindUnknownJob
	case cause == ledger.ErrNoHistory:
		code, kind = http.StatusNotFound, httperror.KindNoHistory
	case deploy.IsDenied(apiError):
		code, kind = http.StatusForbidden, httperror.KindDenied
	case store.IsDenied(apiError):
		code, kind = http.StatusForbidden, httperror.KindDenied
	case store.IsUnavailable(apiError):
		code, kind = http.StatusBadGateway, httperror.KindStoreUnavailable
	}

	WriteError(w, r, code, &httperror.APIError{Kind: kind, Message: apiError.Error()})
}

// WriteError negotiates between the JSON error body API clients
// expect and the plain text a human with curl wants to read.
func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if len(r.Header.Get("Accept")) > 0 {
		switch negotiateContentType(r, []string{"application/json", "text/plain"}) {
		case "application/json":
			apiErr, ok := err.(*httperror.APIError)
			if !ok {
				apiErr = &httperror.APIError{Kind: httperror.KindServer, Message: err.Error()}
			}
			body, encodeErr := json.Marshal(apiErr)
			if encodeErr != nil {
				w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case "text/plain":
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
			w.WriteHeader(code)
			fmt.Fprint(w, err.Error())
			return
		}
	}
	w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}
