// Package server hosts the Fiber HTTP service and the request middleware
// chain shared by the cache gateway. It builds the Fiber app (panic recovery,
// request IDs, the /-/ diagnostics prefix), owns the shared upstream
// http.Client, and filters hop-by-hop headers for every component that talks
// to the origin. Keep exports narrow and accept explicit dependencies; the
// proxy and routes packages plug into the app through RequestHandler and
// plain Fiber route registration.
package server
