package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// User events, consumed to keep the principal cache current
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"

	// Stock events
	EventSaleRecorded   = "stock.sale.recorded"
	EventStockRestocked = "stock.restocked"
	EventStockAdjusted  = "stock.adjusted"
	EventStockWriteOff  = "stock.written_off"
	EventStockLow       = "stock.low"
	EventLotExpiring    = "stock.lot.expiring"
)

// Exchange names
const (
	ExchangeUserEvents  = "user.events"
	ExchangeStockEvents = "stock.events"

	// DeadLetterExchange receives messages rejected after retries.
	DeadLetterExchange = "dlx.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// User Events

// UserCreatedEvent is published when a user is created
type UserCreatedEvent struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	RoleName  string `json:"role_name"`
}

// UserUpdatedEvent is published when a user is updated. Fields carries only
// the changed attributes.
type UserUpdatedEvent struct {
	UserID string         `json:"user_id"`
	Fields map[string]any `json:"fields"`
}

// UserDeletedEvent is published when a user is deleted
type UserDeletedEvent struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Stock Events

// LotDeduction is one lot touched by a sale or write-off.
type LotDeduction struct {
	LotID       string `json:"lot_id,omitempty"`
	BatchNumber string `json:"batch_number"`
	Quantity    int    `json:"quantity"`
}

// SaleRecordedEvent is published after a sale commits
type SaleRecordedEvent struct {
	SaleID       string         `json:"sale_id"`
	DrugID       string         `json:"drug_id"`
	DrugName     string         `json:"drug_name"`
	QuantitySold int            `json:"quantity_sold"`
	TotalAmount  string         `json:"total_amount"`
	Policy       string         `json:"policy"`
	Lots         []LotDeduction `json:"lots"`
	NewQuantity  int            `json:"new_quantity"`
	SoldBy       string         `json:"sold_by"`
}

// StockMovedEvent is published for restock, adjustment and write-off
type StockMovedEvent struct {
	DrugID      string         `json:"drug_id"`
	DrugName    string         `json:"drug_name"`
	Change      int            `json:"change"`
	NewQuantity int            `json:"new_quantity"`
	Lots        []LotDeduction `json:"lots,omitempty"`
	Reference   string         `json:"reference"`
	PerformedBy string         `json:"performed_by"`
}

// StockLowEvent is published when a decrement leaves a drug at or below its reorder level
type StockLowEvent struct {
	DrugID       string `json:"drug_id"`
	DrugName     string `json:"drug_name"`
	Quantity     int    `json:"quantity"`
	ReorderLevel int    `json:"reorder_level"`
}

// LotExpiringEvent is published by the expiry scanner
type LotExpiringEvent struct {
	DrugID          string    `json:"drug_id"`
	DrugName        string    `json:"drug_name"`
	LotID           string    `json:"lot_id"`
	BatchNumber     string    `json:"batch_number"`
	ExpiryDate      time.Time `json:"expiry_date"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	Quantity        int       `json:"quantity"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return uuid.NewString()
}
