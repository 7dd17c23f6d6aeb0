package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/perimeterlabs/device-provisioning-backend/cmd/flags"
	"github.com/perimeterlabs/device-provisioning-backend/emulator"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var emulatorServiceLogFlag = flags.LogServiceFlagFn("emulator")

var deploymentFileFlag = &cli.StringFlag{
	Name:  "deployment-file",
	Value: "",
	Usage: "YAML deployment fixture to run; empty runs the bundled fixture",
}
var hostAddrFlag = &cli.StringFlag{
	Name:  "host-listen-addr",
	Value: "127.0.0.1:7000",
	Usage: "address to serve the decoder host protocol on",
}
var consoleAddrFlag = &cli.StringFlag{
	Name:  "console-listen-addr",
	Value: "127.0.0.1:7001",
	Usage: "address to serve the operator console on",
}
var stdioFlag = &cli.BoolFlag{
	Name:  "stdio",
	Value: false,
	Usage: "serve the host protocol on stdin/stdout instead of a listener",
}
var writeFixtureFlag = &cli.StringFlag{
	Name:  "write-fixture",
	Value: "",
	Usage: "write the bundled deployment fixture to this file and exit",
}

func main() {
	app := &cli.App{
		Name:  "deployment-emulator",
		Usage: "Run a whole deployment in one process",
		Flags: []cli.Flag{
			deploymentFileFlag,
			hostAddrFlag,
			consoleAddrFlag,
			stdioFlag,
			writeFixtureFlag,
			emulatorServiceLogFlag,
			flags.LogJSONFlag,
			flags.LogDebugFlag,
			flags.LogUIDFlag,
		},
		Action: func(cCtx *cli.Context) error {
			if out := cCtx.String(writeFixtureFlag.Name); out != "" {
				return writeFixture(out)
			}

			logger := flags.SetupLogger(cCtx)

			var dep *emulator.Deployment
			if path := cCtx.String(deploymentFileFlag.Name); path != "" {
				var err error
				dep, err = emulator.LoadDeployment(path)
				if err != nil {
					logger.Error("Failed to load deployment", "err", err, "file", path)
					return err
				}
			} else {
				dep = emulator.DefaultDeployment()
				logger.Info("Running bundled fixture",
					"pin", emulator.DefaultPIN, "token", emulator.DefaultToken)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			emu, err := emulator.New(ctx, dep, emulator.Options{Log: logger})
			if err != nil {
				logger.Error("Failed to assemble deployment", "err", err)
				return err
			}

			var hostLn net.Listener
			if cCtx.Bool(stdioFlag.Name) {
				go func() {
					defer cancel()
					err := emu.ServeHostStream(ctx, stdioStream{})
					if err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
						logger.Error("stdio host session failed", "err", err)
					}
				}()
			} else {
				hostLn, err = net.Listen("tcp", cCtx.String(hostAddrFlag.Name))
				if err != nil {
					logger.Error("Failed to listen for hosts", "err", err)
					return err
				}
			}

			consoleLn, err := net.Listen("tcp", cCtx.String(consoleAddrFlag.Name))
			if err != nil {
				logger.Error("Failed to listen for consoles", "err", err)
				return err
			}

			if err := emu.Run(ctx, hostLn, consoleLn); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Emulation stopped")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func writeFixture(path string) error {
	raw, err := yaml.Marshal(emulator.DefaultDeployment())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return err
	}
	fmt.Printf("fixture written to %s (pin %s, token %s)\n", path, emulator.DefaultPIN, emulator.DefaultToken)
	return nil
}

// stdioStream exposes the process stdio as one stream for the host
// protocol.
type stdioStream struct{}

func (stdioStream) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioStream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
