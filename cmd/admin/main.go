package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/api/clients"
	"github.com/perimeterlabs/device-provisioning-backend/cmd/flags"
	"github.com/perimeterlabs/device-provisioning-backend/decoder"
	"github.com/perimeterlabs/device-provisioning-backend/deviceutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"github.com/perimeterlabs/device-provisioning-backend/subscription"
	"github.com/urfave/cli/v2"
)

var flagAdminKey = &cli.StringFlag{
	Name:  "admin-key-file",
	Value: "admin-key.hex",
	Usage: "Path to the hex-encoded ed25519 admin signing key",
}
var flagAdminPubkeyOut = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-key.pub",
	Usage: "Path to write the hex-encoded admin public key",
}
var flagKmsSeed = &cli.StringFlag{
	Name:    "kms-seed",
	EnvVars: []string{"DEPLOYMENT_KMS_SEED"},
	Usage:   "hex-encoded deployment master seed for local key derivation",
}
var flagDecoderID = &cli.StringFlag{
	Name:     "decoder-id",
	Required: true,
	Usage:    "target decoder ID, e.g. 0xdec0de01",
}
var flagChannel = &cli.UintFlag{
	Name:     "channel",
	Required: true,
	Usage:    "broadcast channel number",
}
var flagOut = &cli.StringFlag{
	Name:  "out",
	Value: "",
	Usage: "output file; empty writes hex to stdout",
}
var flagPIN = &cli.StringFlag{
	Name:  "pin",
	Usage: "attestation gate PIN (6 digits) to install",
}
var flagToken = &cli.StringFlag{
	Name:  "token",
	Usage: "replacement gate token to install",
}
var flagBackends = &cli.StringSliceFlag{
	Name:  "backend",
	Usage: "storage backend URI to register; repeatable",
}

func main() {
	app := &cli.App{
		Name:  "deployment admin",
		Usage: "Manage deployments on the registry service",
		Commands: []*cli.Command{
			{
				Name:        "generate-admin-key",
				Usage:       "",
				Description: "Generate an ed25519 admin keypair for signing registry requests",
				Flags: []cli.Flag{
					flagAdminKey,
					flagAdminPubkeyOut,
				},
				Action: func(cCtx *cli.Context) error {
					pub, priv, err := ed25519.GenerateKey(rand.Reader)
					if err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagAdminKey.Name), []byte(hex.EncodeToString(priv.Seed())), 0600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPubkeyOut.Name), []byte(hex.EncodeToString(pub)), 0644); err != nil {
						return err
					}

					fmt.Println(hex.EncodeToString(pub))
					return nil
				},
			},
			{
				Name:        "init",
				Usage:       "",
				Description: "Create a deployment: registry entry, storage backends, gates and the configuration artifact",
				Flags: []cli.Flag{
					flags.RegistryAddrFlag,
					flags.DeploymentFlag,
					flagAdminKey,
					flagKmsSeed,
					flagPIN,
					flagToken,
					flagBackends,
				},
				Action: func(cCtx *cli.Context) error {
					deployment, adminClient, err := deploymentClient(cCtx)
					if err != nil {
						return err
					}

					if err := adminClient.CreateDeployment(deployment); err != nil {
						return err
					}
					fmt.Printf("deployment %s created\n", deployment)

					for _, backend := range cCtx.StringSlice(flagBackends.Name) {
						if _, err := adminClient.AddStorageBackend(deployment, backend); err != nil {
							return fmt.Errorf("registering backend %s: %w", backend, err)
						}
						fmt.Printf("backend %s registered\n", backend)
					}

					if seed := cCtx.String(flagKmsSeed.Name); seed != "" {
						k, err := kmsFromSeed(seed)
						if err != nil {
							return err
						}
						deviceConfig, err := deviceutils.GenerateDeviceConfig(k, deployment)
						if err != nil {
							return err
						}
						raw, err := deviceConfig.Marshal()
						if err != nil {
							return err
						}
						resp, err := adminClient.UploadArtifact(deployment, interfaces.ConfigType, raw)
						if err != nil {
							return fmt.Errorf("uploading configuration artifact: %w", err)
						}
						fmt.Printf("configuration artifact %s stored\n", resp.ID)
					}

					if pin := cCtx.String(flagPIN.Name); pin != "" {
						if err := adminClient.SetGate(deployment, interfaces.GatePIN, pin); err != nil {
							return err
						}
						fmt.Println("pin gate configured")
					}
					if token := cCtx.String(flagToken.Name); token != "" {
						if err := adminClient.SetGate(deployment, interfaces.GateToken, token); err != nil {
							return err
						}
						fmt.Println("token gate configured")
					}

					return nil
				},
			},
			{
				Name:  "identity",
				Usage: "Manage the deployment's device identity allowlist",
				Subcommands: []*cli.Command{
					{
						Name:        "allow",
						Usage:       "",
						Description: "Allow a device identity, given directly or computed from a measurements file",
						Flags: []cli.Flag{
							flags.RegistryAddrFlag,
							flags.DeploymentFlag,
							flagAdminKey,
							&cli.StringFlag{
								Name:  "identity",
								Usage: "hex-encoded 32-byte identity hash",
							},
							&cli.StringFlag{
								Name:  "measurements-file",
								Usage: "JSON file with a measurement register map",
							},
							&cli.StringFlag{
								Name:  "attestation-type",
								Value: "dummy",
								Usage: "attestation flavor the measurements came from",
							},
						},
						Action: func(cCtx *cli.Context) error {
							deployment, adminClient, err := deploymentClient(cCtx)
							if err != nil {
								return err
							}

							req := api.AllowIdentityRequest{Identity: cCtx.String("identity")}
							if path := cCtx.String("measurements-file"); path != "" {
								raw, err := os.ReadFile(path)
								if err != nil {
									return err
								}
								var measurements map[int]string
								if err := json.Unmarshal(raw, &measurements); err != nil {
									return fmt.Errorf("parsing measurements: %w", err)
								}
								req.AttestationType = cCtx.String("attestation-type")
								req.Measurements = measurements
							}

							identity, err := adminClient.AllowIdentity(deployment, req)
							if err != nil {
								return err
							}
							fmt.Println(identity)
							return nil
						},
					},
					{
						Name:        "revoke",
						Usage:       "",
						Description: "Remove a device identity from the allowlist",
						Flags: []cli.Flag{
							flags.RegistryAddrFlag,
							flags.DeploymentFlag,
							flagAdminKey,
							&cli.StringFlag{
								Name:     "identity",
								Required: true,
								Usage:    "hex-encoded 32-byte identity hash",
							},
						},
						Action: func(cCtx *cli.Context) error {
							deployment, adminClient, err := deploymentClient(cCtx)
							if err != nil {
								return err
							}
							return adminClient.RevokeIdentity(deployment, cCtx.String("identity"))
						},
					},
				},
			},
			{
				Name:  "component",
				Usage: "Manage the deployment's provisioned component set",
				Subcommands: []*cli.Command{
					{
						Name:        "add",
						Usage:       "",
						Description: "Provision a component ID",
						Flags:       componentFlags(),
						Action: func(cCtx *cli.Context) error {
							return componentAction(cCtx, func(adminClient *clients.RegistryAdminClient, deployment interfaces.DeploymentID, id interfaces.ComponentID) ([]string, error) {
								return adminClient.AddComponent(deployment, id)
							})
						},
					},
					{
						Name:        "remove",
						Usage:       "",
						Description: "Deprovision a component ID",
						Flags:       componentFlags(),
						Action: func(cCtx *cli.Context) error {
							return componentAction(cCtx, func(adminClient *clients.RegistryAdminClient, deployment interfaces.DeploymentID, id interfaces.ComponentID) ([]string, error) {
								return adminClient.RemoveComponent(deployment, id)
							})
						},
					},
					{
						Name:        "replace",
						Usage:       "",
						Description: "Swap one provisioned component ID for another",
						Flags: []cli.Flag{
							flags.RegistryAddrFlag,
							flags.DeploymentFlag,
							flagAdminKey,
							&cli.StringFlag{
								Name:     "old-id",
								Required: true,
								Usage:    "component ID to retire",
							},
							&cli.StringFlag{
								Name:     "new-id",
								Required: true,
								Usage:    "component ID to provision in its place",
							},
						},
						Action: func(cCtx *cli.Context) error {
							deployment, adminClient, err := deploymentClient(cCtx)
							if err != nil {
								return err
							}

							oldID, err := interfaces.NewComponentIDFromHex(cCtx.String("old-id"))
							if err != nil {
								return err
							}
							newID, err := interfaces.NewComponentIDFromHex(cCtx.String("new-id"))
							if err != nil {
								return err
							}

							components, err := adminClient.ReplaceComponent(deployment, oldID, newID)
							if err != nil {
								return err
							}
							printComponents(components)
							return nil
						},
					},
				},
			},
			{
				Name:        "artifact",
				Usage:       "",
				Description: "Upload an artifact into a content namespace",
				Flags: []cli.Flag{
					flags.RegistryAddrFlag,
					flags.DeploymentFlag,
					flagAdminKey,
					&cli.StringFlag{
						Name:     "type",
						Required: true,
						Usage:    "content namespace: config, secret, subscription or firmware",
					},
					&cli.StringFlag{
						Name:     "file",
						Required: true,
						Usage:    "artifact file to upload",
					},
				},
				Action: func(cCtx *cli.Context) error {
					deployment, adminClient, err := deploymentClient(cCtx)
					if err != nil {
						return err
					}

					contentType, err := interfaces.ContentTypeFromString(cCtx.String("type"))
					if err != nil {
						return err
					}
					data, err := os.ReadFile(cCtx.String("file"))
					if err != nil {
						return err
					}

					resp, err := adminClient.UploadArtifact(deployment, contentType, data)
					if err != nil {
						return err
					}
					fmt.Printf("%s artifact %s stored\n", resp.Type, resp.ID)
					return nil
				},
			},
			{
				Name:        "subscription",
				Usage:       "Subscription payload tooling",
				Subcommands: []*cli.Command{
					{
						Name:        "generate",
						Usage:       "",
						Description: "Seal a channel subscription payload for one decoder",
						Flags: []cli.Flag{
							flags.DeploymentFlag,
							flagKmsSeed,
							flagDecoderID,
							flagChannel,
							&cli.Uint64Flag{
								Name:     "start",
								Required: true,
								Usage:    "first timestamp the subscription covers",
							},
							&cli.Uint64Flag{
								Name:     "end",
								Required: true,
								Usage:    "last timestamp the subscription covers",
							},
							flagOut,
						},
						Action: generateSubscription,
					},
				},
			},
			{
				Name:  "frame",
				Usage: "Broadcast frame tooling",
				Subcommands: []*cli.Command{
					{
						Name:        "encode",
						Usage:       "",
						Description: "Seal a broadcast frame for a channel at a timestamp",
						Flags: []cli.Flag{
							flags.DeploymentFlag,
							flagKmsSeed,
							flagChannel,
							&cli.Uint64Flag{
								Name:     "timestamp",
								Required: true,
								Usage:    "frame timestamp",
							},
							&cli.StringFlag{
								Name:     "message",
								Required: true,
								Usage:    "frame payload text",
							},
							flagOut,
						},
						Action: encodeFrame,
					},
				},
			},
			{
				Name:        "secrets",
				Usage:       "Deployment key material tooling",
				Subcommands: []*cli.Command{
					{
						Name:        "show",
						Usage:       "",
						Description: "Print the key material a deployment derives from its master seed",
						Flags: []cli.Flag{
							flags.DeploymentFlag,
							flagKmsSeed,
						},
						Action: showSecrets,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func componentFlags() []cli.Flag {
	return []cli.Flag{
		flags.RegistryAddrFlag,
		flags.DeploymentFlag,
		flagAdminKey,
		&cli.StringFlag{
			Name:     "id",
			Required: true,
			Usage:    "component ID, e.g. 0x11111124",
		},
	}
}

func componentAction(cCtx *cli.Context, op func(*clients.RegistryAdminClient, interfaces.DeploymentID, interfaces.ComponentID) ([]string, error)) error {
	deployment, adminClient, err := deploymentClient(cCtx)
	if err != nil {
		return err
	}

	id, err := interfaces.NewComponentIDFromHex(cCtx.String("id"))
	if err != nil {
		return err
	}

	components, err := op(adminClient, deployment, id)
	if err != nil {
		return err
	}
	printComponents(components)
	return nil
}

func printComponents(components []string) {
	for _, id := range components {
		fmt.Println(id)
	}
}

// deploymentClient parses the deployment flag and builds a signing admin
// client from the key file.
func deploymentClient(cCtx *cli.Context) (interfaces.DeploymentID, *clients.RegistryAdminClient, error) {
	deployment, err := interfaces.NewDeploymentIDFromHex(cCtx.String(flags.DeploymentFlag.Name))
	if err != nil {
		return interfaces.DeploymentID{}, nil, err
	}

	adminKey, err := loadAdminKey(cCtx.String(flagAdminKey.Name))
	if err != nil {
		return interfaces.DeploymentID{}, nil, err
	}

	return deployment, clients.NewRegistryAdminClient(cCtx.String(flags.RegistryAddrFlag.Name), adminKey), nil
}

// loadAdminKey reads a hex-encoded ed25519 key. Both the 32-byte seed and
// the 64-byte expanded form are accepted.
func loadAdminKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("admin key file %s: %w", path, err)
	}
	switch len(key) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(key), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(key), nil
	default:
		return nil, fmt.Errorf("admin key file %s: %d bytes, want an ed25519 seed or private key", path, len(key))
	}
}

func kmsFromSeed(seed string) (*kms.SimpleKMS, error) {
	raw, err := hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid kms-seed: %w", err)
	}
	return kms.NewSimpleKMS(raw)
}

func parseDecoderID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid decoder ID %q: %w", s, err)
	}
	return uint32(id), nil
}

func generateSubscription(cCtx *cli.Context) error {
	deployment, err := interfaces.NewDeploymentIDFromHex(cCtx.String(flags.DeploymentFlag.Name))
	if err != nil {
		return err
	}
	k, err := kmsFromSeed(cCtx.String(flagKmsSeed.Name))
	if err != nil {
		return err
	}
	decoderID, err := parseDecoderID(cCtx.String(flagDecoderID.Name))
	if err != nil {
		return err
	}

	channel := interfaces.ChannelID(cCtx.Uint(flagChannel.Name))
	start := interfaces.Timestamp(cCtx.Uint64("start"))
	end := interfaces.Timestamp(cCtx.Uint64("end"))

	signing, err := k.BroadcastSigningKey(deployment)
	if err != nil {
		return err
	}

	var root [keytree.KeySize]byte
	copy(root[:], k.ChannelRootKey(deployment, channel))
	nodes, err := keytree.Cover(root, start, end)
	if err != nil {
		return err
	}

	entry := &subscription.Entry{
		PublicKey: signing.Public,
		Start:     start,
		Channel:   channel,
		Depths:    make([]uint8, 0, len(nodes)),
		Keys:      make([][keytree.KeySize]byte, 0, len(nodes)),
	}
	for _, n := range nodes {
		entry.Depths = append(entry.Depths, n.Depth)
		entry.Keys = append(entry.Keys, n.Key)
	}

	sealed, err := decoder.EncodeSubscription(signing.Private, k.SubscriptionKey(deployment), decoderID, entry)
	if err != nil {
		return err
	}
	return writeOutput(cCtx, sealed)
}

func encodeFrame(cCtx *cli.Context) error {
	deployment, err := interfaces.NewDeploymentIDFromHex(cCtx.String(flags.DeploymentFlag.Name))
	if err != nil {
		return err
	}
	k, err := kmsFromSeed(cCtx.String(flagKmsSeed.Name))
	if err != nil {
		return err
	}

	channel := interfaces.ChannelID(cCtx.Uint(flagChannel.Name))
	ts := interfaces.Timestamp(cCtx.Uint64("timestamp"))

	signing, err := k.BroadcastSigningKey(deployment)
	if err != nil {
		return err
	}

	var root [keytree.KeySize]byte
	copy(root[:], k.ChannelRootKey(deployment, channel))

	encoder := decoder.FrameEncoder{
		SigningKey: signing.Private,
		Root:       root,
		Channel:    channel,
	}
	sealed, err := encoder.Encode([]byte(cCtx.String("message")), ts)
	if err != nil {
		return err
	}
	return writeOutput(cCtx, sealed)
}

func showSecrets(cCtx *cli.Context) error {
	deployment, err := interfaces.NewDeploymentIDFromHex(cCtx.String(flags.DeploymentFlag.Name))
	if err != nil {
		return err
	}
	k, err := kmsFromSeed(cCtx.String(flagKmsSeed.Name))
	if err != nil {
		return err
	}

	deviceConfig, err := deviceutils.GenerateDeviceConfig(k, deployment)
	if err != nil {
		return err
	}
	raw, err := deviceConfig.Marshal()
	if err != nil {
		return err
	}

	pki, err := k.GetPKI(deployment)
	if err != nil {
		return err
	}

	fmt.Printf("# deployment %s\n", deployment)
	os.Stdout.Write(raw)
	fmt.Printf("ca_cert: |\n%s", indent(string(pki.CA), "  "))
	fmt.Printf("device_pubkey: |\n%s", indent(string(pki.Pubkey), "  "))
	return nil
}

func indent(s, prefix string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func writeOutput(cCtx *cli.Context, data []byte) error {
	if out := cCtx.String(flagOut.Name); out != "" {
		if err := os.WriteFile(out, data, 0644); err != nil {
			return err
		}
		fmt.Printf("%d bytes written to %s\n", len(data), out)
		return nil
	}
	fmt.Println(hex.EncodeToString(data))
	return nil
}
