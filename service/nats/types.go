package nats

import (
	"time"

	"github.com/momoterminal/relay/service/db"
)

// TransactionEvent is published to "momo.txns.{provider}" whenever a
// notification is parsed and stored.
type TransactionEvent struct {
	MessageID    string  `json:"message_id"`
	Provider     string  `json:"provider"`
	Type         string  `json:"type"`
	AmountMinor  int64   `json:"amount_minor"`
	CurrencyCode string  `json:"currency_code"`
	Counterparty string  `json:"counterparty,omitempty"`
	ProviderTxID *string `json:"provider_tx_id,omitempty"`
	Sender       string  `json:"sender"`

	ObservedAt  time.Time `json:"observed_at"`
	PublishedAt time.Time `json:"published_at"`
}

// SyncStateEvent is published to "momo.sync.state" on every orchestrator
// state transition.
type SyncStateEvent struct {
	State       string    `json:"state"`
	SyncedCount int       `json:"synced_count,omitempty"`
	Error       string    `json:"error,omitempty"`
	Retryable   bool      `json:"retryable,omitempty"`
	DeviceID    string    `json:"device_id"`
	At          time.Time `json:"at"`
}

// FromMessage converts a stored message to a TransactionEvent for publishing.
func FromMessage(m *db.Message) *TransactionEvent {
	return &TransactionEvent{
		MessageID:    m.ID.String(),
		Provider:     m.Provider,
		Type:         m.Type,
		AmountMinor:  m.AmountMinor,
		CurrencyCode: m.CurrencyCode,
		Counterparty: m.Counterparty,
		ProviderTxID: m.ProviderTxID,
		Sender:       m.Sender,
		ObservedAt:   m.ObservedAt,
		PublishedAt:  time.Now().UTC(),
	}
}
