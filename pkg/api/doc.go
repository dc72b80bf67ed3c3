/*
Package api exposes scopecfg over HTTP.

Routing is chi under /api/v1. Middleware handles correlation ids,
request deadlines, rate limiting, metrics, and bearer authentication;
authorization happens in the handlers so permission semantics stay
next to the operations they protect. Errors are mapped from the typed
kinds to HTTP statuses at this boundary and nowhere else.
*/
package api
