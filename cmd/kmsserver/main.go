package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/api/kmshandler"
	"github.com/perimeterlabs/device-provisioning-backend/cmd/flags"
	"github.com/perimeterlabs/device-provisioning-backend/cmd/kmscommon"
	"github.com/perimeterlabs/device-provisioning-backend/httpserver"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/kmsgovernance"
	"github.com/urfave/cli/v2"
)

var kmsServiceLogFlag = flags.LogServiceFlagFn("kms")

var kmsListenAddrFlag = &cli.StringFlag{
	Name:  "kms-listen-addr",
	Value: "127.0.0.1:8082",
	Usage: "address to listen on for API",
}
var kmsIDFlag = &cli.StringFlag{
	Name:     "kms-id",
	Required: true,
	Usage:    "cluster identifier mixed into every identity hash. 40-char hex string with no 0x prefix",
}
var whitelistFlag = &cli.StringSliceFlag{
	Name:  "whitelist-measurements-file",
	Usage: "JSON file with a measurement register map to whitelist on startup; repeatable",
}

func main() {
	app := &cli.App{
		Name:  "kms-server",
		Usage: "Serve the deployment KMS",
		Flags: append(append([]cli.Flag{
			kmsListenAddrFlag,
			kmsIDFlag,
			whitelistFlag,
			kmsServiceLogFlag,
		}, kmscommon.KmsFlags...), flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(kmsListenAddrFlag.Name)

			logger := flags.SetupLogger(cCtx)

			kmsID, err := interfaces.NewDeploymentIDFromHex(cCtx.String(kmsIDFlag.Name))
			if err != nil {
				logger.Error("Invalid kms-id", "err", err)
				return err
			}

			governance := kmsgovernance.NewKMSGovernance(kmsID)
			for _, path := range cCtx.StringSlice(whitelistFlag.Name) {
				identity, err := whitelistMeasurements(governance, path)
				if err != nil {
					logger.Error("Failed to whitelist measurements", "err", err, "file", path)
					return err
				}
				logger.Info("Whitelisted identity", "identity", identity.String(), "file", path)
			}

			simpleKms, err := kmscommon.SetupKMS(cCtx, logger)
			if err != nil {
				logger.Error("Failed to initialize KMS", "err", err)
				return err
			}

			logger.Info("KMS initialized successfully", "kms_id", kmsID.String())

			handler := kmshandler.NewHandler(kmshandler.NewClusterKMS(simpleKms, kmsID), governance, logger)
			router := chi.NewRouter()
			handler.RegisterRoutes(router)

			srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr), router)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			srv.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// whitelistMeasurements loads a measurement register map, the JSON form
// MeasurementsFromATLS accepts, and whitelists its DCAP identity.
func whitelistMeasurements(governance *kmsgovernance.KMSGovernanceImpl, path string) (interfaces.DeviceIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return interfaces.DeviceIdentity{}, err
	}

	var measurements map[int]string
	if err := json.Unmarshal(raw, &measurements); err != nil {
		return interfaces.DeviceIdentity{}, fmt.Errorf("parsing measurements: %w", err)
	}

	report, err := interfaces.DCAPReportFromMeasurement(measurements)
	if err != nil {
		return interfaces.DeviceIdentity{}, err
	}
	return governance.WhitelistDCAP(*report)
}
