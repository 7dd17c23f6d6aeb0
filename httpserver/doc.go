/*
Package httpserver provides the lifecycle wrapper around the provisioning
service's HTTP handlers.

The application routes themselves live in api/provisioner, api/adminapi and
api/shamirkms; this package wraps whatever handler it is given with request
logging and the operational endpoints every deployment of the service needs:

  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

A metrics server runs on its own listener so the Prometheus endpoint is
never exposed on the API address, and pprof can be mounted under /debug
for diagnostics.

Example usage:

	mux := chi.NewRouter()
	provisionerHandler.RegisterRoutes(mux)
	adminHandler.RegisterRoutes(mux)

	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":9090",
		Log:                      logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             10 * time.Second,
	}, mux)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	server.RunInBackground()
	defer server.Shutdown()

Draining flips the readiness flag and waits out the configured drain
window so load balancers stop routing before shutdown begins.
*/
package httpserver
