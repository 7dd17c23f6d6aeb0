package decoder

import (
	"context"
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/hostproto"
)

// ServeHost answers host frames on conn until the context ends or the
// stream fails. Operation failures are reported to the host as a Debug
// frame carrying the detail followed by an Error frame, which is what
// host tools expect; only stream-level failures end the loop.
func (d *Decoder) ServeHost(ctx context.Context, conn *hostproto.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var reply hostproto.Message
		switch msg.Opcode {
		case hostproto.OpList:
			reply = hostproto.Message{Opcode: hostproto.OpList, Body: d.ListChannels()}
		case hostproto.OpSubscribe:
			if err := d.Subscribe(ctx, msg.Body); err != nil {
				d.reportError(conn, "subscribe failed", err)
				continue
			}
			reply = hostproto.Message{Opcode: hostproto.OpSubscribe}
		case hostproto.OpDecode:
			frame, err := d.Decode(ctx, msg.Body)
			if err != nil {
				d.reportError(conn, "decode failed", err)
				continue
			}
			reply = hostproto.Message{Opcode: hostproto.OpDecode, Body: frame}
		default:
			// stray Ack or Debug frames carry nothing actionable
			continue
		}

		if err := conn.WriteMessage(reply); err != nil {
			return err
		}
	}
}

func (d *Decoder) reportError(conn *hostproto.Conn, op string, err error) {
	d.log.Warn(op, "err", err)
	if derr := conn.Debug(fmt.Sprintf("%s: %v", op, err)); derr != nil {
		d.log.Warn("debug frame not delivered", "err", derr)
		return
	}
	if eerr := conn.Error(op); eerr != nil {
		d.log.Warn("error frame not delivered", "err", eerr)
	}
}
