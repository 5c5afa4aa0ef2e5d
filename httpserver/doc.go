// Package httpserver exposes the sandbox executor over plain HTTP.
//
// The server is a chi router with request IDs, panic recovery and a zap
// access log. POST /execute runs one program, GET /healthz reports liveness
// and GET /metrics serves the Prometheus registry. Concurrency and request
// rate on /execute can be capped from the server section of the
// configuration.
//
// Usage:
//
//	srv := httpserver.New(cfg, logger, executor, registry)
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown(ctx)
package httpserver
