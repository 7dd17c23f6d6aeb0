package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/perimeterlabs/device-provisioning-backend/api/clients"
	"github.com/perimeterlabs/device-provisioning-backend/api/shamirkms"
	"github.com/urfave/cli/v2"
)

var flagBootstrapServer = &cli.StringFlag{
	Name:  "bootstrap-server-addr",
	Value: "http://127.0.0.1:8080/admin",
	Usage: "KMS bootstrap API address to request",
}
var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagShamirAdmins = &cli.StringFlag{
	Name:  "shamir-admins-file",
	Value: "shamir-admins.json",
	Usage: "Path to file to use for shamir KMS configuration",
}
var flagShamirShare = &cli.StringFlag{
	Name:  "shamir-share-file",
	Value: "shamir-share.json",
	Usage: "Path to file to use for shamir share",
}
var flagWaitTimeout = &cli.IntFlag{
	Name:  "wait-timeout",
	Value: 600,
	Usage: "seconds to wait for bootstrap completion",
}

// shareFile is the on-disk form of a fetched share. The share itself is
// stored decrypted, the file is the admin's custody boundary.
type shareFile struct {
	ShareIndex int    `json:"share_index"`
	Share      string `json:"share"`
}

func main() {
	app := &cli.App{
		Name:           "kms bootstrap client",
		Usage:          "",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:        "status",
				Usage:       "",
				Description: "Query the bootstrap state machine",
				Flags: []cli.Flag{
					flagBootstrapServer,
				},
				Action: func(cCtx *cli.Context) error {
					baseURL := cCtx.String(flagBootstrapServer.Name)
					adminClient := clients.NewAdminShareClient(baseURL, "", nil)
					status, err := adminClient.GetStatus()
					if err != nil {
						return err
					}

					fmt.Println(status)
					return nil
				},
			},
			{
				Name:        "generate-admin",
				Usage:       "",
				Description: "Generate an ECDSA keypair for a bootstrap admin",
				Flags: []cli.Flag{
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := shamirkms.GenerateAdminKeyPair()
					if err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), []byte(privateKeyPEM), 0600); err != nil {
						return err
					}

					return os.WriteFile(cCtx.String(flagAdminPubkey.Name), []byte(publicKeyPEM), 0600)
				},
			},
			{
				Name:        "generate-shamir-config",
				Usage:       "",
				Description: "Build the admin roster the KMS server loads at startup",
				Flags: []cli.Flag{
					flagShamirAdmins,
					&cli.StringSliceFlag{
						Name: "admin-pubkey-files",
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := shamirkms.ShamirAdminsConfig{}

					for _, pubkey := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(pubkey)
						if err != nil {
							return err
						}

						config.Admins = append(config.Admins, shamirkms.ShamirAdminMetadata{
							ID:     adminIDForPubkey(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					configBytes, err := json.Marshal(config)
					if err != nil {
						return err
					}

					return os.WriteFile(cCtx.String(flagShamirAdmins.Name), configBytes, 0600)
				},
			},
			{
				Name:        "init-generate",
				Usage:       "",
				Description: "Generate a fresh master key and split it into shares",
				Flags: []cli.Flag{
					flagBootstrapServer,
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signingClient(cCtx)
					if err != nil {
						return err
					}

					result, err := adminClient.InitGenerate()
					if err != nil {
						return err
					}

					encoded, err := json.Marshal(result)
					if err != nil {
						return err
					}
					fmt.Println(string(encoded))
					return nil
				},
			},
			{
				Name:        "init-recovery",
				Usage:       "",
				Description: "Start master key recovery from existing shares",
				Flags: []cli.Flag{
					flagBootstrapServer,
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signingClient(cCtx)
					if err != nil {
						return err
					}

					result, err := adminClient.InitRecover()
					if err != nil {
						return err
					}

					encoded, err := json.Marshal(result)
					if err != nil {
						return err
					}
					fmt.Println(string(encoded))
					return nil
				},
			},
			{
				Name:        "fetch-share",
				Usage:       "",
				Description: "Fetch and decrypt this admin's share after generation",
				Flags: []cli.Flag{
					flagBootstrapServer,
					flagAdminPrivkey,
					flagAdminPubkey,
					flagShamirShare,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signingClient(cCtx)
					if err != nil {
						return err
					}

					shareIndex, share, err := adminClient.GetShare()
					if err != nil {
						return err
					}

					encoded, err := json.Marshal(shareFile{
						ShareIndex: shareIndex,
						Share:      base64.StdEncoding.EncodeToString(share),
					})
					if err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagShamirShare.Name), encoded, 0600); err != nil {
						return err
					}

					fmt.Printf("share %d saved to %s\n", shareIndex, cCtx.String(flagShamirShare.Name))
					return nil
				},
			},
			{
				Name:        "submit-share",
				Usage:       "",
				Description: "Submit this admin's share during recovery",
				Flags: []cli.Flag{
					flagBootstrapServer,
					flagAdminPrivkey,
					flagAdminPubkey,
					flagShamirShare,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signingClient(cCtx)
					if err != nil {
						return err
					}

					raw, err := os.ReadFile(cCtx.String(flagShamirShare.Name))
					if err != nil {
						return err
					}

					var saved shareFile
					if err := json.Unmarshal(raw, &saved); err != nil {
						return fmt.Errorf("parsing share file: %w", err)
					}

					share, err := base64.StdEncoding.DecodeString(saved.Share)
					if err != nil {
						return fmt.Errorf("decoding share: %w", err)
					}

					message, err := adminClient.SubmitShare(saved.ShareIndex, share)
					if err != nil {
						return err
					}

					fmt.Println(message)
					return nil
				},
			},
			{
				Name:        "wait",
				Usage:       "",
				Description: "Block until the bootstrap reaches the complete state",
				Flags: []cli.Flag{
					flagBootstrapServer,
					flagWaitTimeout,
				},
				Action: func(cCtx *cli.Context) error {
					baseURL := cCtx.String(flagBootstrapServer.Name)
					adminClient := clients.NewAdminShareClient(baseURL, "", nil)
					timeout := time.Duration(cCtx.Int(flagWaitTimeout.Name)) * time.Second
					return adminClient.WaitForCompletion(timeout, 2*time.Second)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// signingClient builds an AdminShareClient authenticated with the admin's
// keypair. The admin ID is the hex sha256 of the public key PEM, matching
// the roster generate-shamir-config builds.
func signingClient(cCtx *cli.Context) (*clients.AdminShareClient, error) {
	baseURL := cCtx.String(flagBootstrapServer.Name)

	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return nil, err
	}

	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, err
	}

	privateKey, err := shamirkms.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	return clients.NewAdminShareClient(baseURL, adminIDForPubkey(publicKeyPEM), privateKey), nil
}

func adminIDForPubkey(publicKeyPEM []byte) string {
	pubkeyHash := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(pubkeyHash[:])
}
