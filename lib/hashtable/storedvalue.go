package hashtable

import (
	"time"

	"github.com/mickelfeng/ep-engine/lib/item"
)

// StoredValue is the in-memory representation of a key. All fields are guarded
// by the lock of the shard the value lives in, so every method below must only be
// called from inside HashTable.Compute (or on a snapshot handed to a Visitor).
type StoredValue struct {
	key     string
	value   []byte
	flags   uint32
	exptime int64
	cas     uint64
	id      int64

	queuedAt   time.Time // first time the value became dirty (zero = clean)
	dirtiedAt  time.Time // last mutation while dirty
	lockExpiry time.Time // zero = not locked
}

func newStoredValue(it *item.Item, now time.Time) *StoredValue {
	v := &StoredValue{
		key:     it.Key,
		value:   it.Value,
		flags:   it.Flags,
		exptime: it.Exptime,
		cas:     it.Cas,
		id:      -1,
	}
	v.MarkDirty(now)
	return v
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (v *StoredValue) Key() string    { return v.key }
func (v *StoredValue) Flags() uint32  { return v.flags }
func (v *StoredValue) Exptime() int64 { return v.exptime }
func (v *StoredValue) Cas() uint64    { return v.cas }
func (v *StoredValue) ID() int64      { return v.id }
func (v *StoredValue) ValueLen() int  { return len(v.value) }

// SetID stores the identifier the backing store assigned to this value.
func (v *StoredValue) SetID(id int64) { v.id = id }

// SetCas overwrites the cas of the value.
func (v *StoredValue) SetCas(cas uint64) { v.cas = cas }

// ToItem copies the value into a self-contained item.
func (v *StoredValue) ToItem(vbucket uint16) *item.Item {
	it := item.New(v.key, v.value, v.flags, v.exptime, vbucket)
	it.Cas = v.cas
	it.ID = v.id
	return it
}

// setValue replaces the payload, drops any lock and marks the value dirty.
func (v *StoredValue) setValue(it *item.Item, now time.Time) {
	v.value = it.Value
	v.flags = it.Flags
	v.exptime = it.Exptime
	v.cas = it.Cas
	v.Unlock()
	v.MarkDirty(now)
}

// --------------------------------------------------------------------------
// Dirty tracking
// --------------------------------------------------------------------------

// IsDirty reports whether the value has changes that are not yet persisted.
func (v *StoredValue) IsDirty() bool { return !v.queuedAt.IsZero() }

// IsClean is the inverse of IsDirty.
func (v *StoredValue) IsClean() bool { return v.queuedAt.IsZero() }

// QueuedAt returns when the value became dirty (zero if clean).
func (v *StoredValue) QueuedAt() time.Time { return v.queuedAt }

// DirtiedAt returns when the value was last modified while dirty (zero if clean).
func (v *StoredValue) DirtiedAt() time.Time { return v.dirtiedAt }

// MarkDirty records a mutation. The queued timestamp only moves when the value
// goes from clean to dirty.
func (v *StoredValue) MarkDirty(now time.Time) {
	v.dirtiedAt = now
	if v.queuedAt.IsZero() {
		v.queuedAt = now
	}
}

// MarkClean clears the dirty state and returns the timestamps it held, so that
// ReDirty can restore them if persisting fails.
func (v *StoredValue) MarkClean() (queuedAt, dirtiedAt time.Time) {
	queuedAt, dirtiedAt = v.queuedAt, v.dirtiedAt
	v.queuedAt = time.Time{}
	v.dirtiedAt = time.Time{}
	return queuedAt, dirtiedAt
}

// ReDirty restores timestamps captured by MarkClean.
func (v *StoredValue) ReDirty(queuedAt, dirtiedAt time.Time) {
	v.queuedAt = queuedAt
	v.dirtiedAt = dirtiedAt
}

// --------------------------------------------------------------------------
// Locking
// --------------------------------------------------------------------------

// IsLocked reports whether a get-and-lock is held and has not expired at now.
func (v *StoredValue) IsLocked(now time.Time) bool {
	return !v.lockExpiry.IsZero() && now.Before(v.lockExpiry)
}

// Lock holds the value until the given time.
func (v *StoredValue) Lock(until time.Time) { v.lockExpiry = until }

// Unlock drops the lock.
func (v *StoredValue) Unlock() { v.lockExpiry = time.Time{} }

// LockExpiry returns the time the current lock ends (zero if none).
func (v *StoredValue) LockExpiry() time.Time { return v.lockExpiry }
