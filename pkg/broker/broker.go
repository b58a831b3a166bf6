// Package broker defines the collaborator interfaces the spread engine
// consumes. Implementations translate their native payloads into
// pkg/models types before anything crosses these boundaries.
package broker

import (
	"context"
	"errors"

	"github.com/gregtusar/calspread/pkg/models"
)

// ErrContractNotFound is returned by ContractDirectory.Resolve when the
// exchange does not list the requested month.
var ErrContractNotFound = errors.New("contract not found")

// QuoteTransport delivers top-of-book quotes and order-status events.
type QuoteTransport interface {
	// Subscribe starts bid/ask delivery for the given exchange codes.
	Subscribe(ctx context.Context, contracts ...string) error

	// Quotes is the push stream of quote events. Its buffer is the only
	// backpressure between the transport and the control loop.
	Quotes() <-chan models.Quote

	// OrderEvents is the push stream of order-status changes.
	OrderEvents() <-chan models.OrderEvent
}

// OrderGateway submits and manages orders.
type OrderGateway interface {
	Submit(ctx context.Context, req models.OrderRequest) (models.OrderAck, error)
	Cancel(ctx context.Context, orderID string) error
	Amend(ctx context.Context, orderID string, change models.Amendment) error
}

// AccountGateway exposes the authoritative account view.
type AccountGateway interface {
	ListPositions(ctx context.Context, account string) ([]models.Position, error)
	ListOrders(ctx context.Context, account string) ([]models.WorkingOrder, error)
	Margin(ctx context.Context, account string) (models.MarginSnapshot, error)
}

// ContractDirectory maps an instrument and month code to an exchange code.
type ContractDirectory interface {
	Resolve(ctx context.Context, instrument, monthCode string) (models.ContractID, error)
}

// Session controls the authenticated broker session.
type Session interface {
	Login(ctx context.Context) error
	ActivateCertificate(ctx context.Context) error
	Logout(ctx context.Context) error
	// Ping is a lightweight authenticated call used as a heartbeat.
	Ping(ctx context.Context) error
}

// Broker is the full set of collaborators a running engine needs.
type Broker interface {
	QuoteTransport
	OrderGateway
	AccountGateway
	ContractDirectory
	Session
}
