// Package kmscommon initializes the deployment KMS for server binaries.
// Both the registry service and the KMS service start from the same two
// choices, a seed on the command line or a shamir bootstrap ceremony, so
// the setup lives here once.
package kmscommon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/api/shamirkms"
	"github.com/perimeterlabs/device-provisioning-backend/cmd/flags"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/httpserver"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"github.com/urfave/cli/v2"
)

var KmsTypeFlag = &cli.StringFlag{
	Name:  "kms-type",
	Value: "simple",
	Usage: "type of KMS to use: 'simple' or 'shamir'",
}

var KmsSeedFlag = &cli.StringFlag{
	Name:  "simple-kms-seed",
	Value: "",
	Usage: "hex-encoded 32-byte seed for SimpleKMS (required if kms-type is 'simple')",
}

var KmsAdminKeysFlag = &cli.StringFlag{
	Name:  "shamirkms-admin-keys-file",
	Value: "",
	Usage: "JSON file with admin public keys for ShamirKMS (required if kms-type is 'shamir')",
}
var KmsThresholdFlag = &cli.IntFlag{
	Name:  "shamirkms-threshold",
	Value: 2,
	Usage: "Threshold to use for shamir kms generation and recovery",
}
var KmsBootstrapListenAddrFlag = &cli.StringFlag{
	Name:  "shamir-bootstrap-listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the bootstrap API",
}
var KmsTimeoutFlag = &cli.IntFlag{
	Name:  "shamirkms-bootstrap-timeout",
	Value: 86400,
	Usage: "timeout in seconds for bootstrap process when using ShamirKMS",
}
var RemoteAttestationFlag = &cli.StringFlag{
	Name:  "remote-attestation-provider",
	Usage: "remote attestation provider address to use for attestations in KMS",
}

var KmsFlags = []cli.Flag{
	KmsTypeFlag,
	KmsSeedFlag,
	KmsAdminKeysFlag,
	KmsThresholdFlag,
	KmsBootstrapListenAddrFlag,
	KmsTimeoutFlag,
	RemoteAttestationFlag,
}

// SetupKMS initializes and bootstraps the KMS. Note that for shamir this
// call will wait until the KMS is bootstrapped, which requires admins to
// fetch or submit their shares.
func SetupKMS(cCtx *cli.Context, logger *slog.Logger) (*kms.SimpleKMS, error) {
	kmsType := cCtx.String(KmsTypeFlag.Name)
	kmsRemoteAttestationProvider := cCtx.String(RemoteAttestationFlag.Name)
	adminKeysFile := cCtx.String(KmsAdminKeysFlag.Name)
	shamirkmsThreshold := cCtx.Int(KmsThresholdFlag.Name)
	shamirkmsListenAddr := cCtx.String(KmsBootstrapListenAddrFlag.Name)
	bootstrapTimeout := cCtx.Int(KmsTimeoutFlag.Name)
	simpleKMSSeed := cCtx.String(KmsSeedFlag.Name)

	switch kmsType {
	case "simple":
		logger.Info("Using SimpleKMS")

		if simpleKMSSeed == "" {
			return nil, errors.New("simple-kms-seed is required for simple KMS")
		}

		seed, err := hex.DecodeString(simpleKMSSeed)
		if err != nil || len(seed) != 32 {
			return nil, fmt.Errorf("invalid simple-kms-seed: %v", err)
		}

		simpleKms, err := kms.NewSimpleKMS(seed)
		if err != nil {
			return nil, err
		}
		if kmsRemoteAttestationProvider != "" {
			simpleKms = simpleKms.WithAttestationProvider(&cryptoutils.RemoteAttestationProvider{Address: kmsRemoteAttestationProvider})
		}
		return simpleKms, nil
	case "shamir":
		logger.Info("Using ShamirKMS with admin bootstrap")

		if adminKeysFile == "" {
			return nil, errors.New("shamirkms-admin-keys-file is required for shamir KMS")
		}

		logger.Info("Loading admin keys", "file", adminKeysFile)
		adminKeysData, err := os.Open(adminKeysFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open admin keys file: %w", err)
		}
		defer adminKeysData.Close()

		adminKeys, err := shamirkms.LoadAdminKeys(adminKeysData)
		if err != nil {
			return nil, fmt.Errorf("failed to load admin keys: %w", err)
		}

		logger.Info("Admin keys loaded successfully", "count", len(adminKeys))

		skmsServerCfg := flags.ConfigureServer(cCtx, logger, shamirkmsListenAddr)
		adminHandler, err := shamirkms.NewAdminHandler(skmsServerCfg.Log, shamirkmsThreshold, adminKeys)
		if err != nil {
			return nil, fmt.Errorf("could not initialize kms admin handler: %w", err)
		}

		bootstrapRouter := chi.NewRouter()
		adminHandler.RegisterRoutes(bootstrapRouter)

		bootstrapServer, err := httpserver.New(skmsServerCfg, bootstrapRouter)
		if err != nil {
			return nil, fmt.Errorf("could not create bootstrap server: %w", err)
		}

		// Only the admin API is served until the master key is
		// reconstructed.
		logger.Info("Starting server in bootstrap mode")
		bootstrapServer.RunInBackground()

		logger.Info("Waiting for KMS bootstrap to complete...",
			"timeout", bootstrapTimeout)

		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(bootstrapTimeout)*time.Second)
		defer cancel()

		shamirKMS, err := adminHandler.WaitForBootstrap(ctx)
		if err != nil {
			return nil, err
		}
		bootstrapServer.Shutdown()

		simpleKms := shamirKMS.SimpleKMS()
		if kmsRemoteAttestationProvider != "" {
			simpleKms = simpleKms.WithAttestationProvider(&cryptoutils.RemoteAttestationProvider{Address: kmsRemoteAttestationProvider})
		}
		return simpleKms, nil

	default:
		return nil, fmt.Errorf("invalid kms-type: %s", kmsType)
	}
}
