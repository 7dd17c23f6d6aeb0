package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Scannable address window on the shared bus.
const (
	ScanFirst interfaces.BusAddr = 0x08
	ScanLast  interfaces.BusAddr = 0x77
)

// Addresses of fixed board peripherals. Probing them wedges the bus, so
// the scan skips them.
var reservedAddrs = map[interfaces.BusAddr]struct{}{
	0x18: {},
	0x28: {},
	0x36: {},
}

// Reserved reports whether addr belongs to a fixed board peripheral.
func Reserved(addr interfaces.BusAddr) bool {
	_, ok := reservedAddrs[addr]
	return ok
}

// ScanAddrs returns the probe order: 0x08 through 0x77 minus the reserved
// addresses.
func ScanAddrs() []interfaces.BusAddr {
	addrs := make([]interfaces.BusAddr, 0, int(ScanLast-ScanFirst)+1)
	for addr := ScanFirst; addr <= ScanLast; addr++ {
		if Reserved(addr) {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// Scan probes every scannable address and collects the component IDs of
// the peers that identify themselves. Unreachable addresses are skipped;
// any other failure aborts the scan.
func Scan(ctx context.Context, b Bus) ([]interfaces.ComponentID, error) {
	var found []interfaces.ComponentID
	for _, addr := range ScanAddrs() {
		if err := WriteMessage(ctx, b, addr, Message{Kind: KindScanProbe}); err != nil {
			if errors.Is(err, interfaces.ErrPeerUnreachable) {
				continue
			}
			return nil, fmt.Errorf("probing 0x%02x: %w", uint8(addr), err)
		}
		reply, err := ReadMessage(ctx, b, addr)
		if err != nil {
			if errors.Is(err, interfaces.ErrPeerUnreachable) {
				continue
			}
			return nil, fmt.Errorf("reading probe reply from 0x%02x: %w", uint8(addr), err)
		}
		if reply.Kind != KindScanReply {
			return nil, fmt.Errorf("address 0x%02x answered probe with kind 0x%02x", uint8(addr), uint8(reply.Kind))
		}
		found = append(found, reply.ComponentID)
	}
	return found, nil
}
