package bus

import (
	"time"

	"github.com/ItsMeShrewt/posagent/pkg/backend"
	"github.com/google/uuid"
)

// Type tags a cross-tab event. The values double as shared-store key names.
type Type string

const (
	TypeOrderPlaced     Type = "order:placed"
	TypeOrderConfirmed  Type = "order:confirmed"
	TypeOrderCancelled  Type = "order:cancelled"
	TypeProductsChanged Type = "products:refresh"
)

// Envelope is the JSON payload written to the shared store. Events are
// delivered at least once; receivers de-duplicate by EventID and treat the
// payload as a hint to re-fetch, except for receipt display which uses Items
// directly.
type Envelope struct {
	EventID       uuid.UUID           `json:"event_id"`
	Type          Type                `json:"type"`
	OccurredAt    time.Time           `json:"occurred_at"`
	OriginSession string              `json:"origin_session,omitempty"`
	StationID     string              `json:"station_id,omitempty"`
	OrderID       int64               `json:"order_id,omitempty"`
	OrderAlias    string              `json:"order_alias,omitempty"`
	Items         []backend.OrderItem `json:"items,omitempty"`
	ProductIDs    []int64             `json:"product_ids,omitempty"`
}

// StationScoped reports whether receivers must filter this event by station.
func (t Type) StationScoped() bool {
	return t == TypeOrderConfirmed || t == TypeOrderCancelled
}

// storeKey returns the shared-store key an event of this type is written to.
// Confirmations carry the station id in the key so independently operating
// stations do not signal each other.
func (e Envelope) storeKey() string {
	if e.Type == TypeOrderConfirmed && e.StationID != "" {
		return keyPrefix + string(e.Type) + ":" + e.StationID
	}
	return keyPrefix + string(e.Type)
}
