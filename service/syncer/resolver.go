// Package syncer reconciles locally-stored messages against the remote
// source of truth and orchestrates the periodic sync cycle.
package syncer

import (
	"time"

	"github.com/google/uuid"

	"github.com/momoterminal/relay/service/db"
)

// ConflictType classifies a divergence between a local message and its
// remote counterpart.
type ConflictType string

const (
	// ConflictNone means the pair needs no reconciliation.
	ConflictNone ConflictType = "NONE"

	// ConflictDeletedOnServer means the record was synced before but the
	// remote no longer has it.
	ConflictDeletedOnServer ConflictType = "DELETED_ON_SERVER"

	// ConflictDataMismatch means the payloads differ.
	ConflictDataMismatch ConflictType = "DATA_MISMATCH"

	// ConflictConcurrentModification means both sides advanced past PENDING
	// to different statuses.
	ConflictConcurrentModification ConflictType = "CONCURRENT_MODIFICATION"
)

// Resolution is the side whose version survives reconciliation.
type Resolution string

const (
	KeepLocal Resolution = "KEEP_LOCAL"
	UseServer Resolution = "USE_SERVER"
)

// RemoteRecord is the remote API's view of a message. Read-only snapshot;
// the remote owns its own timestamps.
type RemoteRecord struct {
	ID           uuid.UUID `json:"id"`
	AmountMinor  int64     `json:"amount_minor"`
	Body         string    `json:"body"`
	Counterparty string    `json:"counterparty"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DetectConflict classifies the divergence between local and remote. A nil
// remote with a PENDING local is not a conflict: the record simply has not
// been uploaded yet.
func DetectConflict(local *db.Message, remote *RemoteRecord) ConflictType {
	if remote == nil {
		if local.Status == db.StatusSent {
			return ConflictDeletedOnServer
		}
		return ConflictNone
	}

	if local.AmountMinor == remote.AmountMinor &&
		local.Body == remote.Body &&
		local.Counterparty == remote.Counterparty &&
		local.Status == remote.Status {
		return ConflictNone
	}

	if local.Status != remote.Status &&
		local.Status != db.StatusPending && remote.Status != db.StatusPending {
		return ConflictConcurrentModification
	}
	return ConflictDataMismatch
}

// Resolve picks the surviving side. Mismatches resolve last-writer-wins on
// UpdatedAt with ties kept local. A server-side deletion wins unless the
// local record is still PENDING, in which case it is re-uploaded.
func Resolve(conflict ConflictType, local *db.Message, remote *RemoteRecord) Resolution {
	if conflict == ConflictDeletedOnServer {
		if local.Status == db.StatusPending {
			return KeepLocal
		}
		return UseServer
	}
	if remote != nil && remote.UpdatedAt.After(local.UpdatedAt) {
		return UseServer
	}
	return KeepLocal
}

// Merge combines both sides into the record to persist. The local identity
// key always survives; the newer side contributes the payload. A remote
// SENT status always overrides a local PENDING, acknowledgment never rolls
// back.
func Merge(local *db.Message, remote *RemoteRecord) *db.Message {
	merged := *local

	if remote.UpdatedAt.After(local.UpdatedAt) {
		merged.AmountMinor = remote.AmountMinor
		merged.Body = remote.Body
		merged.Counterparty = remote.Counterparty
		merged.Status = remote.Status
		merged.UpdatedAt = remote.UpdatedAt
	}

	if remote.Status == db.StatusSent && local.Status == db.StatusPending {
		merged.Status = db.StatusSent
	}
	return &merged
}
