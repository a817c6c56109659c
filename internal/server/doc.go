// Package server hosts the Fiber HTTP service in front of the offline cache
// proxy: the request-ID middleware, panic recovery, the shared upstream
// http.Client and the header helpers proxies need. Every path outside the
// /-/ diagnostics prefix is handed to the injected ProxyHandler, so the
// interception policy lives entirely in package proxy.
package server
