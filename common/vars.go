// Package common provides variables and helpers shared across the service:
// the build version, the package name used for metrics namespacing, and the
// logger setup every entrypoint goes through.
package common

// PackageName is the service identifier used in metrics and logging.
const PackageName = "device-provisioning-backend"

// Version is the service version. Overridden at build time:
//
//	go build -ldflags "-X github.com/perimeterlabs/device-provisioning-backend/common.Version=v1.2.3"
var Version = "dev"
