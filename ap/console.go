package ap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// ServeConsole reads operator commands from r until EOF, one per line,
// executing each against the processor. Failures are reported as ERR:
// lines through the processor's output writer; the loop keeps going.
//
// Commands:
//
//	list
//	replace <token> <new-id> <old-id>
//	attest <pin> <component-id>
//	boot
//
// Component IDs parse as hex, with or without the 0x prefix.
func (a *AP) ServeConsole(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := a.runCommand(ctx, line); err != nil {
			a.out.Error(err)
		}
	}
	return sc.Err()
}

func (a *AP) runCommand(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "list":
		return a.ListComponents(ctx)
	case "boot":
		return a.Boot(ctx)
	case "replace":
		if len(args) != 3 {
			return fmt.Errorf("%w: usage: replace <token> <new-id> <old-id>", ErrInvalidInput)
		}
		newID, err := interfaces.NewComponentIDFromHex(args[1])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		oldID, err := interfaces.NewComponentIDFromHex(args[2])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return a.Replace(ctx, args[0], newID, oldID)
	case "attest":
		if len(args) != 2 {
			return fmt.Errorf("%w: usage: attest <pin> <component-id>", ErrInvalidInput)
		}
		id, err := interfaces.NewComponentIDFromHex(args[1])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return a.Attest(ctx, args[0], id)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidInput, cmd)
	}
}
