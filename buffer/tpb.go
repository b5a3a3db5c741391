package buffer

import (
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// TableReservation locks a table when the transaction starts.
type TableReservation struct {
	Name   string
	Share  types.TableShareMode
	Access types.TableAccessMode
}

// TPB describes the parameters of a transaction.
type TPB struct {
	AccessMode types.TraAccessMode
	Isolation  types.Isolation
	// LockTimeout is -1 to wait forever, 0 for no wait, or seconds to wait.
	LockTimeout      int
	NoAutoUndo       bool
	AutoCommit       bool
	IgnoreLimbo      bool
	AtSnapshotNumber *int64
	Reservations     []TableReservation
}

// NewTPB returns a TPB with the default read-write snapshot settings.
func NewTPB() *TPB {
	return &TPB{
		AccessMode:  types.AccessWrite,
		Isolation:   types.IsolationSnapshot,
		LockTimeout: -1,
	}
}

// ReadCommittedTPB returns the parameters used by read-only query transactions.
func ReadCommittedTPB() *TPB {
	return &TPB{
		AccessMode:  types.AccessRead,
		Isolation:   types.IsolationReadCommitted,
		LockTimeout: -1,
	}
}

// ReserveTable appends a table reservation.
func (t *TPB) ReserveTable(name string, share types.TableShareMode, access types.TableAccessMode) {
	t.Reservations = append(t.Reservations, TableReservation{Name: name, Share: share, Access: access})
}

// Encode builds the buffer.
func (t *TPB) Encode() ([]byte, error) {
	b := New(TPBLayout)
	b.InsertTag(byte(t.AccessMode))
	isolation := t.Isolation
	if isolation == types.IsolationReadCommitted {
		isolation = types.IsolationReadCommittedRecVersion
	}
	switch isolation {
	case types.IsolationSnapshot, types.IsolationSerializable:
		b.InsertTag(byte(isolation))
	case types.IsolationReadCommittedReadConsistency:
		b.InsertTag(types.TPBReadConsistency)
	default:
		b.InsertTag(byte(types.TraReadCommitted))
		if isolation == types.IsolationReadCommittedRecVersion {
			b.InsertTag(byte(types.TraRecordVersion))
		} else {
			b.InsertTag(byte(types.TraNoRecordVersion))
		}
	}
	if t.LockTimeout == 0 {
		b.InsertTag(byte(types.LockNoWait))
	} else {
		b.InsertTag(byte(types.LockWait))
	}
	if t.LockTimeout > 0 {
		if err := b.InsertInt(types.TPBLockTimeout, int64(t.LockTimeout)); err != nil {
			return nil, err
		}
	}
	if t.AutoCommit {
		b.InsertTag(types.TPBAutocommit)
	}
	if t.NoAutoUndo {
		b.InsertTag(types.TPBNoAutoUndo)
	}
	if t.IgnoreLimbo {
		b.InsertTag(types.TPBIgnoreLimbo)
	}
	if t.AtSnapshotNumber != nil {
		b.InsertBigInt(types.TPBAtSnapshotNumber, *t.AtSnapshotNumber)
	}
	for _, r := range t.Reservations {
		if err := b.InsertReservation(r.Access, r.Name, r.Share); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// MustEncode is Encode for parameters known to be in range.
func (t *TPB) MustEncode() []byte {
	data, err := t.Encode()
	if err != nil {
		panic(err)
	}
	return data
}

// ParseTPB loads the parameters back from a buffer.
func ParseTPB(data []byte) (*TPB, error) {
	items, err := Decode(TPBLayout, data)
	if err != nil {
		return nil, err
	}
	t := NewTPB()
	for _, it := range items {
		switch it.Tag {
		case byte(types.AccessRead), byte(types.AccessWrite):
			t.AccessMode = types.TraAccessMode(it.Tag)
		case byte(types.TraConsistency):
			t.Isolation = types.IsolationSerializable
		case byte(types.TraConcurrency):
			t.Isolation = types.IsolationSnapshot
		case byte(types.TraReadCommitted):
			t.Isolation = types.IsolationReadCommitted
		case byte(types.TraRecordVersion):
			t.Isolation = types.IsolationReadCommittedRecVersion
		case byte(types.TraNoRecordVersion):
			t.Isolation = types.IsolationReadCommittedNoRecVersion
		case types.TPBReadConsistency:
			t.Isolation = types.IsolationReadCommittedReadConsistency
		case byte(types.LockWait):
			t.LockTimeout = -1
		case byte(types.LockNoWait):
			t.LockTimeout = 0
		case types.TPBLockTimeout:
			t.LockTimeout = int(it.Int)
		case types.TPBAutocommit:
			t.AutoCommit = true
		case types.TPBNoAutoUndo:
			t.NoAutoUndo = true
		case types.TPBIgnoreLimbo:
			t.IgnoreLimbo = true
		case types.TPBAtSnapshotNumber:
			n := it.Int
			t.AtSnapshotNumber = &n
		case byte(types.TableLockRead), byte(types.TableLockWrite):
			share := types.TableShareMode(it.Int)
			if share < types.ShareShared || share > types.ShareExclusive {
				return nil, dberrors.Valuef("Missing share mode value in table %s reservation", it.Data)
			}
			t.ReserveTable(string(it.Data), share, types.TableAccessMode(it.Tag))
		}
	}
	return t, nil
}
