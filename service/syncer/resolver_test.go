package syncer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/momoterminal/relay/service/db"
)

func localMessage(status string, updatedAt time.Time) *db.Message {
	return &db.Message{
		ID:           uuid.New(),
		Sender:       "MTN Mobile Money",
		Body:         "Received GHS 20.00 from Ama.",
		AmountMinor:  2000,
		Counterparty: "Ama",
		Status:       status,
		UpdatedAt:    updatedAt,
	}
}

func remoteFor(m *db.Message) *RemoteRecord {
	return &RemoteRecord{
		ID:           m.ID,
		AmountMinor:  m.AmountMinor,
		Body:         m.Body,
		Counterparty: m.Counterparty,
		Status:       m.Status,
		UpdatedAt:    m.UpdatedAt,
	}
}

func TestDetectConflict(t *testing.T) {
	now := time.Now().UTC()

	t.Run("identical pair is no conflict", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		assert.Equal(t, ConflictNone, DetectConflict(local, remoteFor(local)))
	})

	t.Run("missing remote with pending local needs upload, not resolution", func(t *testing.T) {
		local := localMessage(db.StatusPending, now)
		assert.Equal(t, ConflictNone, DetectConflict(local, nil))
	})

	t.Run("missing remote with sent local is a server deletion", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		assert.Equal(t, ConflictDeletedOnServer, DetectConflict(local, nil))
	})

	t.Run("differing payload is a data mismatch", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		remote := remoteFor(local)
		remote.AmountMinor = 9999
		assert.Equal(t, ConflictDataMismatch, DetectConflict(local, remote))
	})

	t.Run("pending local against sent remote is still a mismatch", func(t *testing.T) {
		local := localMessage(db.StatusPending, now)
		remote := remoteFor(local)
		remote.Status = db.StatusSent
		assert.Equal(t, ConflictDataMismatch, DetectConflict(local, remote))
	})

	t.Run("both sides past pending with different statuses", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		remote := remoteFor(local)
		remote.Status = db.StatusFailed
		assert.Equal(t, ConflictConcurrentModification, DetectConflict(local, remote))
	})
}

func TestResolve(t *testing.T) {
	now := time.Now().UTC()

	t.Run("newer remote wins", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		remote := remoteFor(local)
		remote.UpdatedAt = now.Add(time.Minute)
		assert.Equal(t, UseServer, Resolve(ConflictDataMismatch, local, remote))
	})

	t.Run("newer local wins", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		remote := remoteFor(local)
		remote.UpdatedAt = now.Add(-time.Minute)
		assert.Equal(t, KeepLocal, Resolve(ConflictDataMismatch, local, remote))
	})

	t.Run("timestamp tie keeps local", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		remote := remoteFor(local)
		assert.Equal(t, KeepLocal, Resolve(ConflictConcurrentModification, local, remote))
	})

	t.Run("server deletion wins over synced local", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		assert.Equal(t, UseServer, Resolve(ConflictDeletedOnServer, local, nil))
	})

	t.Run("server deletion loses to pending local", func(t *testing.T) {
		local := localMessage(db.StatusPending, now)
		assert.Equal(t, KeepLocal, Resolve(ConflictDeletedOnServer, local, nil))
	})
}

func TestMerge(t *testing.T) {
	now := time.Now().UTC()

	t.Run("newer remote payload replaces local", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		remote := remoteFor(local)
		remote.AmountMinor = 3000
		remote.Counterparty = "Akosua"
		remote.UpdatedAt = now.Add(time.Minute)

		merged := Merge(local, remote)
		assert.Equal(t, local.ID, merged.ID)
		assert.Equal(t, int64(3000), merged.AmountMinor)
		assert.Equal(t, "Akosua", merged.Counterparty)
		assert.Equal(t, remote.UpdatedAt, merged.UpdatedAt)
	})

	t.Run("older remote payload is ignored", func(t *testing.T) {
		local := localMessage(db.StatusSent, now)
		remote := remoteFor(local)
		remote.AmountMinor = 3000
		remote.UpdatedAt = now.Add(-time.Minute)

		merged := Merge(local, remote)
		assert.Equal(t, int64(2000), merged.AmountMinor)
	})

	t.Run("remote acknowledgment overrides pending local even when older", func(t *testing.T) {
		local := localMessage(db.StatusPending, now)
		remote := remoteFor(local)
		remote.Status = db.StatusSent
		remote.UpdatedAt = now.Add(-time.Minute)

		merged := Merge(local, remote)
		assert.Equal(t, db.StatusSent, merged.Status)
		assert.Equal(t, int64(2000), merged.AmountMinor)
	})
}
