// Package server hosts the tubebridge API behind a single HTTP server.
//
// New wires the api.Handler routes into a mux and wraps it in one middleware
// chain: request ids, access logging, metrics, CORS, security headers, rate
// limiting and panic recovery. Run serves until its context is cancelled and
// then drains in-flight requests.
package server
