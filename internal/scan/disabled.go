package scan

import (
	"context"
	"sync/atomic"
)

// DisabledScanner is a no-op Scanner used when no radio hardware is present.
// Starts always succeed and no advertisements are ever delivered.
type DisabledScanner struct {
	next atomic.Uint64
}

func NewDisabledScanner() *DisabledScanner {
	return &DisabledScanner{}
}

func (d *DisabledScanner) StartScan(context.Context, []Filter, Callback) (Handle, error) {
	return Handle(d.next.Add(1)), nil
}

func (d *DisabledScanner) StopScan(Handle) error { return nil }
