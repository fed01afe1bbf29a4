// Package webhook notifies subscribers of transaction lifecycle transitions.
package webhook

import (
	"context"

	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
)

// Event is emitted on every observable lifecycle transition. Exactly one
// terminal event is emitted per queue id.
type Event struct {
	QueueID         string                  `json:"queueId"`
	Status          txrecord.Status         `json:"status"`
	TransactionHash string                  `json:"transactionHash,omitempty"`
	OnchainStatus   *txrecord.OnchainStatus `json:"onchainStatus,omitempty"`
	ErrorMessage    string                  `json:"errorMessage,omitempty"`
}

// Dispatcher delivers lifecycle events to subscribers. Delivery guarantees
// are the dispatcher's concern; callers fire and forget.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

// NopDispatcher discards all events.
type NopDispatcher struct{}

// Dispatch does nothing.
func (NopDispatcher) Dispatch(ctx context.Context, e Event) {}
