// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package eventbus

import (
	"context"

	"github.com/ccheshirecat/wasmharness/internal/harness/events"
)

// Filter selects the run events a subscriber receives. A nil Filter accepts
// every event.
type Filter func(events.RunEvent) bool

// ForRun accepts only events of the given run. An empty id accepts all.
func ForRun(runID string) Filter {
	if runID == "" {
		return nil
	}
	return func(ev events.RunEvent) bool { return ev.RunID == runID }
}

// OfType accepts only events whose Type is one of types.
func OfType(types ...string) Filter {
	return func(ev events.RunEvent) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}

// Bus distributes run lifecycle events between the runner and observers.
type Bus interface {
	Publish(ctx context.Context, ev events.RunEvent) error
	Subscribe(ch chan<- events.RunEvent, filter Filter) (unsubscribe func(), err error)
}
