package emulator

import (
	"sync"

	"github.com/perimeterlabs/device-provisioning-backend/ap"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// consoleOutput routes operator lines to whatever console is currently
// attached, falling back to a fixed writer between connections. The
// processor holds one OutputWriter for its lifetime; this is the
// indirection that lets consoles come and go.
type consoleOutput struct {
	mu   sync.Mutex
	base ap.OutputWriter
	cur  ap.OutputWriter
}

var _ ap.OutputWriter = (*consoleOutput)(nil)

func newConsoleOutput(base ap.OutputWriter) *consoleOutput {
	return &consoleOutput{base: base}
}

func (c *consoleOutput) attach(w ap.OutputWriter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = w
}

func (c *consoleOutput) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = nil
}

func (c *consoleOutput) sink() ap.OutputWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return c.cur
	}
	return c.base
}

func (c *consoleOutput) Provisioned(id interfaces.ComponentID) { c.sink().Provisioned(id) }

func (c *consoleOutput) Found(id interfaces.ComponentID) { c.sink().Found(id) }

func (c *consoleOutput) AttestInfo(id interfaces.ComponentID, data []byte) {
	c.sink().AttestInfo(id, data)
}

func (c *consoleOutput) ComponentBoot(id interfaces.ComponentID, msg string) {
	c.sink().ComponentBoot(id, msg)
}

func (c *consoleOutput) APBoot(msg string) { c.sink().APBoot(msg) }

func (c *consoleOutput) Success(op string) { c.sink().Success(op) }

func (c *consoleOutput) Error(err error) { c.sink().Error(err) }
