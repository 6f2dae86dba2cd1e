package mcphttp

import (
	"net/http"
	"strings"
)

// route is what a request is dispatched to.
type route int

const (
	routeNotFound route = iota
	routeMethodNotAllowed
	routePreflight
	routeForward
	routeStream
	routeInfo

	// routeMalformed labels requests rejected before routing.
	routeMalformed
)

// resolveRoute picks the route for req, given the path the transport is served on.
func resolveRoute(req *httpRequest, path string) route {
	if req.path != path {
		return routeNotFound
	}

	switch req.method {
	case http.MethodOptions:
		return routePreflight
	case http.MethodPost:
		return routeForward
	case http.MethodGet:
		if strings.Contains(strings.ToLower(req.headerValue("accept")), contentTypeEventStream) {
			return routeStream
		}
		return routeInfo
	default:
		return routeMethodNotAllowed
	}
}

func (r route) String() string {
	switch r {
	case routeNotFound:
		return "not_found"
	case routeMethodNotAllowed:
		return "method_not_allowed"
	case routePreflight:
		return "preflight"
	case routeForward:
		return "forward"
	case routeStream:
		return "stream"
	case routeInfo:
		return "info"
	case routeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}
