package broker

import (
	"strings"

	"github.com/gregtusar/calspread/pkg/models"
)

// Gateway-native order statuses.
const (
	GatewayPendingSubmit   = "PENDING_SUBMIT"
	GatewayPreSubmitted    = "PRE_SUBMITTED"
	GatewaySubmitted       = "SUBMITTED"
	GatewayFailed          = "FAILED"
	GatewayCancelled       = "CANCELLED"
	GatewayFilled          = "FILLED"
	GatewayPartiallyFilled = "PARTIALLY_FILLED"
)

// StatusFromGateway maps a gateway status onto the engine lifecycle. Unknown
// statuses map to rejected so they never count as in flight.
func StatusFromGateway(status string) models.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case GatewayPendingSubmit, GatewayPreSubmitted:
		return models.OrderStatusPending
	case GatewaySubmitted:
		return models.OrderStatusAcked
	case GatewayFilled:
		return models.OrderStatusFilled
	case GatewayPartiallyFilled:
		return models.OrderStatusPartial
	case GatewayCancelled:
		return models.OrderStatusCancelled
	default:
		return models.OrderStatusRejected
	}
}

// StatusToGateway is the inverse used by test doubles and the paper broker.
func StatusToGateway(status models.OrderStatus) string {
	switch status {
	case models.OrderStatusPending:
		return GatewayPendingSubmit
	case models.OrderStatusAcked:
		return GatewaySubmitted
	case models.OrderStatusFilled:
		return GatewayFilled
	case models.OrderStatusPartial:
		return GatewayPartiallyFilled
	case models.OrderStatusCancelled:
		return GatewayCancelled
	default:
		return GatewayFailed
	}
}
