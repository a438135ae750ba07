// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package redirect

import (
	"github.com/SenberHu/winredirect/internal/policy"
	"github.com/SenberHu/winredirect/internal/windivert"
)

// Event is one item on the merged queue. The three sources — the two
// diverter ingest workers and the IPC task — all feed the same queue; the
// consumer dispatches on the concrete type.
type Event interface {
	isEvent()
}

// CaptureEvent is a diverter event: a network packet or a socket event.
type CaptureEvent struct {
	Capture windivert.Capture
}

// InjectEvent is a reconstructed packet from the controller to emit
// outbound.
type InjectEvent struct {
	Data []byte
}

// PolicyEvent replaces the intercept policy.
type PolicyEvent struct {
	Policy policy.Policy
}

// ShutdownEvent requests an orderly exit with code 0.
type ShutdownEvent struct{}

// FatalEvent carries an unrecoverable producer error to the consumer,
// which terminates with the error's exit code.
type FatalEvent struct {
	Err error
}

func (CaptureEvent) isEvent()  {}
func (InjectEvent) isEvent()   {}
func (PolicyEvent) isEvent()   {}
func (ShutdownEvent) isEvent() {}
func (FatalEvent) isEvent()    {}
