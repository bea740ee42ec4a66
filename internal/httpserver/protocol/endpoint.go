// Package protocol defines the route-bundle contract the server mounts
// endpoints through.
package protocol

import "net/http"

// EndpointRoute binds one handler to a method and path.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint groups the routes of one API surface.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
