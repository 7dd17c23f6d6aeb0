package main

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/muesli/termenv"
	"github.com/perimeterlabs/device-provisioning-backend/hostproto"
	"github.com/urfave/cli/v2"
)

var (
	provisionedFmt = color.New(color.FgGreen).SprintFunc()
	foundFmt       = color.New(color.FgYellow).SprintFunc()
	attestFmt      = color.New(color.FgCyan).SprintFunc()
	bootFmt        = color.New(color.Bold).SprintFunc()
	detailFmt      = color.New(color.Faint).SprintFunc()
	okFmt          = color.New(color.FgGreen, color.Bold).SprintFunc()
	errFmt         = color.New(color.FgRed, color.Bold).SprintFunc()
)

var consoleAddrFlag = &cli.StringFlag{
	Name:  "console-addr",
	Value: "127.0.0.1:7001",
	Usage: "operator console address of the emulated device",
}
var hostAddrFlag = &cli.StringFlag{
	Name:  "host-addr",
	Value: "127.0.0.1:7000",
	Usage: "host protocol address of the emulated device",
}
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "enable verbose logging",
}
var noColorFlag = &cli.BoolFlag{
	Name:  "no-color",
	Usage: "disable colored output",
}

const helpText = `device commands (sent to the application processor):
  list                              list provisioned and present components
  boot                              boot the provisioned components
  replace <token> <new-id> <old-id> swap a provisioned component
  attest <pin> <component-id>       read a component's attestation data

decoder commands (host protocol):
  channels                          list installed subscriptions
  subscribe <file>                  install a sealed subscription payload
  decode <hex|@file>                decode a sealed broadcast frame

console commands:
  help                              show this help
  exit                              leave the console`

func main() {
	app := &cli.App{
		Name:  "device-console",
		Usage: "Interactive operator console for an emulated deployment",
		Flags: []cli.Flag{
			consoleAddrFlag,
			hostAddrFlag,
			verboseFlag,
			noColorFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		chlog.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := chlog.NewWithOptions(os.Stderr, chlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "console",
	})
	profile := termenv.ColorProfile()
	logger.SetColorProfile(profile)
	if cCtx.Bool(verboseFlag.Name) {
		logger.SetLevel(chlog.DebugLevel)
	}
	if cCtx.Bool(noColorFlag.Name) || profile == termenv.Ascii {
		color.NoColor = true
	}

	consoleConn, err := net.Dial("tcp", cCtx.String(consoleAddrFlag.Name))
	if err != nil {
		return fmt.Errorf("connecting to device console: %w", err)
	}
	defer consoleConn.Close()
	logger.Info("device console attached", "addr", cCtx.String(consoleAddrFlag.Name))

	var host *hostproto.Conn
	hostConn, err := net.Dial("tcp", cCtx.String(hostAddrFlag.Name))
	if err != nil {
		logger.Warn("decoder surface unavailable", "addr", cCtx.String(hostAddrFlag.Name), "err", err)
	} else {
		defer hostConn.Close()
		host = hostproto.NewConn(hostConn)
		logger.Info("decoder host attached", "addr", cCtx.String(hostAddrFlag.Name))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "device> ",
		HistoryFile:     filepath.Join(os.TempDir(), "device-console.history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("list"),
			readline.PcItem("boot"),
			readline.PcItem("replace"),
			readline.PcItem("attest"),
			readline.PcItem("channels"),
			readline.PcItem("subscribe"),
			readline.PcItem("decode"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	if host != nil {
		host.SetDebugSink(func(text string) {
			fmt.Fprintln(rl.Stdout(), detailFmt("dbg: "+text))
		})
	}

	// Device output arrives on its own schedule; rendering through the
	// readline writer keeps the prompt intact.
	go func() {
		sc := bufio.NewScanner(consoleConn)
		for sc.Scan() {
			renderDeviceLine(rl.Stdout(), sc.Text())
		}
		logger.Info("device console detached")
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprintln(rl.Stdout(), helpText)
		case "list", "boot", "replace", "attest":
			if _, err := fmt.Fprintf(consoleConn, "%s\n", line); err != nil {
				return fmt.Errorf("device console write failed: %w", err)
			}
		case "channels":
			hostCommand(rl.Stdout(), host, listChannels)
		case "subscribe":
			if len(fields) != 2 {
				fmt.Fprintln(rl.Stdout(), errFmt("usage: subscribe <file>"))
				continue
			}
			hostCommand(rl.Stdout(), host, func(w io.Writer, c *hostproto.Conn) error {
				return subscribe(w, c, fields[1])
			})
		case "decode":
			if len(fields) != 2 {
				fmt.Fprintln(rl.Stdout(), errFmt("usage: decode <hex|@file>"))
				continue
			}
			hostCommand(rl.Stdout(), host, func(w io.Writer, c *hostproto.Conn) error {
				return decode(w, c, fields[1])
			})
		default:
			fmt.Fprintln(rl.Stdout(), errFmt(fmt.Sprintf("unknown command %q, try help", fields[0])))
		}
	}
}

func renderDeviceLine(w io.Writer, line string) {
	switch {
	case strings.HasPrefix(line, "P>"):
		fmt.Fprintln(w, provisionedFmt(line))
	case strings.HasPrefix(line, "F>"):
		fmt.Fprintln(w, foundFmt(line))
	case strings.HasPrefix(line, "C>"):
		fmt.Fprintln(w, attestFmt(line))
	case strings.HasPrefix(line, "AP>"):
		fmt.Fprintln(w, bootFmt(line))
	case strings.HasPrefix(line, "LOC>"), strings.HasPrefix(line, "DATE>"), strings.HasPrefix(line, "CUST>"):
		fmt.Fprintln(w, detailFmt(line))
	case strings.HasPrefix(line, "ERR:"):
		fmt.Fprintln(w, errFmt(line))
	default:
		fmt.Fprintln(w, okFmt(line))
	}
}

func hostCommand(w io.Writer, host *hostproto.Conn, op func(io.Writer, *hostproto.Conn) error) {
	if host == nil {
		fmt.Fprintln(w, errFmt("decoder surface unavailable"))
		return
	}
	if err := op(w, host); err != nil {
		fmt.Fprintln(w, errFmt("ERR: "+err.Error()))
	}
}

func listChannels(w io.Writer, host *hostproto.Conn) error {
	if err := host.WriteMessage(hostproto.Message{Opcode: hostproto.OpList}); err != nil {
		return err
	}
	reply, err := host.ReadReply()
	if err != nil {
		return err
	}

	body := reply.Body
	if len(body) < 4 {
		return fmt.Errorf("malformed channel list of %d bytes", len(body))
	}
	count := binary.LittleEndian.Uint32(body)
	body = body[4:]
	if uint64(len(body)) != uint64(count)*20 {
		return fmt.Errorf("channel list announces %d entries in %d bytes", count, len(body))
	}

	if count == 0 {
		fmt.Fprintln(w, detailFmt("no subscriptions installed"))
		return nil
	}
	for i := uint32(0); i < count; i++ {
		entry := body[i*20:]
		fmt.Fprintf(w, "channel %d: %d - %d\n",
			binary.LittleEndian.Uint32(entry),
			binary.LittleEndian.Uint64(entry[4:]),
			binary.LittleEndian.Uint64(entry[12:]))
	}
	return nil
}

func subscribe(w io.Writer, host *hostproto.Conn, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := host.WriteMessage(hostproto.Message{Opcode: hostproto.OpSubscribe, Body: payload}); err != nil {
		return err
	}
	if _, err := host.ReadReply(); err != nil {
		return err
	}
	fmt.Fprintln(w, okFmt("subscription installed"))
	return nil
}

func decode(w io.Writer, host *hostproto.Conn, arg string) error {
	var frame []byte
	var err error
	if strings.HasPrefix(arg, "@") {
		frame, err = os.ReadFile(arg[1:])
	} else {
		frame, err = hex.DecodeString(arg)
	}
	if err != nil {
		return err
	}

	if err := host.WriteMessage(hostproto.Message{Opcode: hostproto.OpDecode, Body: frame}); err != nil {
		return err
	}
	reply, err := host.ReadReply()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", okFmt("decoded:"), string(reply.Body))
	return nil
}
