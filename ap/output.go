package ap

import (
	"fmt"
	"io"
	"sync"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// OutputWriter renders the operator-facing line protocol. Every operation
// reports through one of these; the emulator points it at whatever console
// is attached.
type OutputWriter interface {
	// Provisioned reports a component recorded in the provisioning state.
	Provisioned(id interfaces.ComponentID)
	// Found reports a component that answered a bus scan.
	Found(id interfaces.ComponentID)
	// AttestInfo reports attestation data collected from a component.
	AttestInfo(id interfaces.ComponentID, data []byte)
	// ComponentBoot reports a verified component's boot message.
	ComponentBoot(id interfaces.ComponentID, msg string)
	// APBoot reports the processor's own boot message.
	APBoot(msg string)
	// Success marks an operation as completed.
	Success(op string)
	// Error reports a failed operation.
	Error(err error)
}

// TextOutput writes the line protocol to an io.Writer. Lines follow the
// fixed formats the fleet host tools parse: P>/F>/C> prefixes, raw success
// markers, ERR:-prefixed failures.
type TextOutput struct {
	mu sync.Mutex
	w  io.Writer
}

var _ OutputWriter = (*TextOutput)(nil)

// NewTextOutput wraps w. Writes are serialized, so one writer may back
// several reporters.
func NewTextOutput(w io.Writer) *TextOutput {
	return &TextOutput{w: w}
}

func (o *TextOutput) Provisioned(id interfaces.ComponentID) {
	o.printf("P>%s\n", id)
}

func (o *TextOutput) Found(id interfaces.ComponentID) {
	o.printf("F>%s\n", id)
}

func (o *TextOutput) AttestInfo(id interfaces.ComponentID, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, "C>%s\n", id)
	if len(data) == 0 {
		return
	}
	_, _ = o.w.Write(data)
	if data[len(data)-1] != '\n' {
		_, _ = io.WriteString(o.w, "\n")
	}
}

// ComponentBoot lines carry the unpadded hex form; only P> and F> lines
// use the padded rendering.
func (o *TextOutput) ComponentBoot(id interfaces.ComponentID, msg string) {
	o.printf("0x%x>%s\n", uint32(id), msg)
}

func (o *TextOutput) APBoot(msg string) {
	o.printf("AP>%s\n", msg)
}

func (o *TextOutput) Success(op string) {
	o.printf("%s\n", op)
}

func (o *TextOutput) Error(err error) {
	o.printf("ERR: %v\n", err)
}

func (o *TextOutput) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
