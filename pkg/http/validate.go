package http

import (
	"fmt"

	"github.com/gorilla/mux"
)

// ImplementsServer verifies that a router has a handler attached for
// every route NewAPIRouter declares. We can't check that a router
// implements api.Server directly, so the daemon's test leans on this
// plus the knowledge that client.Client implements api.Server.
func ImplementsServer(router *mux.Router) error {
	return NewAPIRouter().Walk(func(r *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		route := router.Get(r.GetName())
		if route == nil {
			return fmt.Errorf("no route by name %q in router", r.GetName())
		}
		if route.GetHandler() == nil {
			return fmt.Errorf("no handler for route %q in router", r.GetName())
		}
		return nil
	})
}
