package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/api/adminapi"
	"github.com/perimeterlabs/device-provisioning-backend/api/kmshandler"
	"github.com/perimeterlabs/device-provisioning-backend/api/provisioner"
	"github.com/perimeterlabs/device-provisioning-backend/audit"
	"github.com/perimeterlabs/device-provisioning-backend/cmd/flags"
	"github.com/perimeterlabs/device-provisioning-backend/cmd/kmscommon"
	"github.com/perimeterlabs/device-provisioning-backend/httpserver"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/registry"
	"github.com/perimeterlabs/device-provisioning-backend/storage"
	"github.com/urfave/cli/v2"
)

var serviceLogFlag = flags.LogServiceFlagFn("registry")

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}
var registryDirFlag = &cli.StringFlag{
	Name:  "registry-dir",
	Value: "",
	Usage: "directory for deployment registry files; empty keeps registries in memory",
}
var auditDBFlag = &cli.StringFlag{
	Name:  "audit-db",
	Value: "",
	Usage: "path to the sqlite audit trail database; empty disables the audit trail",
}
var adminRootKeysFlag = &cli.StringFlag{
	Name:  "admin-root-keys-file",
	Value: "",
	Usage: "file with hex-encoded ed25519 root admin public keys, one per line",
}
var remoteKMSFlag = &cli.StringFlag{
	Name:  "kms-addr",
	Value: "",
	Usage: "base URL of a remote KMS service; overrides kms-type and keeps the master key out of this process",
}

func main() {
	app := &cli.App{
		Name:  "registry-server",
		Usage: "Serve the deployment registry and device provisioning API",
		Flags: append(append([]cli.Flag{
			listenAddrFlag,
			registryDirFlag,
			auditDBFlag,
			adminRootKeysFlag,
			remoteKMSFlag,
			serviceLogFlag,
			flags.AttestationTypeFlag,
			flags.AttestationMeasurementFlag,
		}, kmscommon.KmsFlags...), flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(listenAddrFlag.Name)
			registryDir := cCtx.String(registryDirFlag.Name)
			auditDB := cCtx.String(auditDBFlag.Name)
			rootKeysFile := cCtx.String(adminRootKeysFlag.Name)
			remoteKMSAddr := cCtx.String(remoteKMSFlag.Name)

			logger := flags.SetupLogger(cCtx)

			rootKeys, err := loadRootKeys(rootKeysFile)
			if err != nil {
				logger.Error("Failed to load root admin keys", "err", err)
				return err
			}
			if len(rootKeys) == 0 {
				logger.Warn("No root admin keys configured, admin API only accepts per-deployment keys")
			}

			var registryProvider interfaces.RegistryAdminProvider
			if registryDir != "" {
				fileProvider, err := registry.NewFileProvider(registryDir)
				if err != nil {
					logger.Error("Failed to open registry directory", "err", err, "dir", registryDir)
					return err
				}
				registryProvider = fileProvider
				logger.Info("Using file-backed registry", "dir", registryDir)
			} else {
				registryProvider = registry.NewMemoryProvider()
				logger.Warn("Using in-memory registry, deployments will not survive a restart")
			}

			storageFactory := storage.NewStorageBackendFactory(logger)

			var kmsImpl interfaces.KMS
			if remoteKMSAddr != "" {
				logger.Info("Using remote KMS", "addr", remoteKMSAddr)
				kmsImpl = &kmshandler.Client{
					ServerAddr:                remoteKMSAddr,
					SetAttestationType:        cCtx.String(flags.AttestationTypeFlag.Name),
					SetAttestationMeasurement: cCtx.String(flags.AttestationMeasurementFlag.Name),
				}
			} else {
				kmsImpl, err = kmscommon.SetupKMS(cCtx, logger)
				if err != nil {
					logger.Error("Failed to initialize KMS", "err", err)
					return err
				}
			}

			provisionerHandler := provisioner.NewHandler(kmsImpl, storageFactory, registryProvider, logger)
			adminHandler := adminapi.NewHandler(registryProvider, storageFactory, rootKeys, logger)

			if auditDB != "" {
				trail, err := audit.Open(auditDB)
				if err != nil {
					logger.Error("Failed to open audit trail", "err", err, "path", auditDB)
					return err
				}
				defer trail.Close()
				provisionerHandler = provisionerHandler.WithAudit(trail)
				adminHandler = adminHandler.WithAudit(trail)
				logger.Info("Audit trail enabled", "path", auditDB)
			}

			router := chi.NewRouter()
			provisionerHandler.RegisterRoutes(router)
			adminHandler.RegisterRoutes(router)

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

// loadRootKeys reads hex-encoded ed25519 public keys, one per line.
// Blank lines and lines starting with # are skipped.
func loadRootKeys(path string) ([]ed25519.PublicKey, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var keys []ed25519.PublicKey
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("line %d: %w", i+1, errors.New("not an ed25519 public key"))
		}
		keys = append(keys, ed25519.PublicKey(key))
	}
	return keys, nil
}
