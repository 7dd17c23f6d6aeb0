// Package metrics provides the Prometheus-format metrics endpoint and the
// application metric helpers the handlers record into.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves the /metrics endpoint on its own listener, separate
// from the API server.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service name listening on addr.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s metrics\n", name)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

var (
	httpRequestsTotal   = metrics.NewCounter("http_requests_total")
	httpRequestDuration = metrics.NewSummary("http_request_duration_seconds")

	registrationsTotal  = metrics.NewCounter("provisioning_registrations_total")
	registrationsDenied = metrics.NewCounter("provisioning_registrations_denied_total")
	artifactFetches     = metrics.NewCounter("provisioning_artifact_fetches_total")
	adminMutations      = metrics.NewCounter("provisioning_admin_mutations_total")
	kmsShareSubmissions = metrics.NewCounter("provisioning_kms_share_submissions_total")

	framesDecoded          = metrics.NewCounter("decoder_frames_decoded_total")
	framesRejected         = metrics.NewCounter("decoder_frames_rejected_total")
	subscriptionsInstalled = metrics.NewCounter("decoder_subscriptions_installed_total")
)

// RequestMiddleware counts API requests and records handler latency.
func RequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		httpRequestsTotal.Inc()
		httpRequestDuration.UpdateDuration(start)
	})
}

// IncRegistration records a successful device registration.
func IncRegistration() { registrationsTotal.Inc() }

// IncRegistrationDenied records a registration rejected by governance.
func IncRegistrationDenied() { registrationsDenied.Inc() }

// IncArtifactFetch records an artifact served to a device.
func IncArtifactFetch() { artifactFetches.Inc() }

// IncAdminMutation records an accepted admin mutation.
func IncAdminMutation() { adminMutations.Inc() }

// IncKMSShareSubmission records a share submitted during KMS bootstrap.
func IncKMSShareSubmission() { kmsShareSubmissions.Inc() }

// IncFrameDecoded records a successfully decoded broadcast frame.
func IncFrameDecoded() { framesDecoded.Inc() }

// IncFrameRejected records a broadcast frame the decoder refused.
func IncFrameRejected() { framesRejected.Inc() }

// IncSubscriptionInstalled records a subscription accepted into a slot.
func IncSubscriptionInstalled() { subscriptionsInstalled.Inc() }
