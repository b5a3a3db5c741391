package buffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

func TestDefaultTPB(t *testing.T) {
	data, err := NewTPB().Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		types.TPBVersion3,
		byte(types.AccessWrite),
		byte(types.TraConcurrency),
		byte(types.LockWait),
	}, data)
}

func TestTPBReadCommittedDefaultsToRecordVersion(t *testing.T) {
	tpb := ReadCommittedTPB()
	tpb.LockTimeout = 0
	data, err := tpb.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		types.TPBVersion3,
		byte(types.AccessRead),
		byte(types.TraReadCommitted),
		byte(types.TraRecordVersion),
		byte(types.LockNoWait),
	}, data)
}

func TestTPBRoundTrip(t *testing.T) {
	snapshot := int64(42)
	tpb := &TPB{
		AccessMode:       types.AccessRead,
		Isolation:        types.IsolationReadCommittedNoRecVersion,
		LockTimeout:      5,
		NoAutoUndo:       true,
		AutoCommit:       true,
		IgnoreLimbo:      true,
		AtSnapshotNumber: &snapshot,
	}
	tpb.ReserveTable("COUNTRY", types.ShareProtected, types.TableLockWrite)
	tpb.ReserveTable("COUNTRY", types.ShareShared, types.TableLockRead)

	data, err := tpb.Encode()
	require.NoError(t, err)
	parsed, err := ParseTPB(data)
	require.NoError(t, err)
	if diff := cmp.Diff(tpb, parsed); diff != "" {
		t.Errorf("TPB mismatch (-want +got):\n%s", diff)
	}
}

func TestTPBIsolationLevels(t *testing.T) {
	for _, iso := range []types.Isolation{
		types.IsolationSerializable,
		types.IsolationSnapshot,
		types.IsolationReadCommittedRecVersion,
		types.IsolationReadCommittedReadConsistency,
	} {
		tpb := NewTPB()
		tpb.Isolation = iso
		parsed, err := ParseTPB(tpb.MustEncode())
		require.NoError(t, err)
		assert.Equal(t, iso, parsed.Isolation, iso.String())
	}
}

func TestTPBLockTimeoutOverflow(t *testing.T) {
	tpb := NewTPB()
	tpb.LockTimeout = 1 << 40
	_, err := tpb.Encode()
	assert.ErrorIs(t, err, ErrInvalidFieldValue)
}

func TestTPBMissingShareMode(t *testing.T) {
	data := []byte{types.TPBVersion3, byte(types.TableLockRead), 3, 0, 'T', 'B', 'L'}
	_, err := ParseTPB(data)
	require.Error(t, err)
	assert.True(t, dberrors.IsValueError(err))
	assert.Equal(t, "Missing share mode value in table TBL reservation", err.Error())

	data = append(data, 99)
	_, err = ParseTPB(data)
	require.Error(t, err)
	assert.Equal(t, "Missing share mode value in table TBL reservation", err.Error())
}

func TestDPB(t *testing.T) {
	dpb := NewDPB()
	dpb.User = "SYSDBA"
	dpb.Password = "masterkey"
	dpb.NoGC = true
	dpb.SessionTimeZone = "Europe/Prague"
	data, err := dpb.Encode(false)
	require.NoError(t, err)
	parsed, err := ParseDPB(data)
	require.NoError(t, err)
	assert.Equal(t, dpb, parsed)
}

func TestDPBForCreate(t *testing.T) {
	forced := true
	dpb := NewDPB()
	dpb.PageSize = 8192
	dpb.Overwrite = true
	dpb.ForcedWrites = &forced
	data, err := dpb.Encode(true)
	require.NoError(t, err)
	parsed, err := ParseDPB(data)
	require.NoError(t, err)
	assert.Equal(t, 8192, parsed.PageSize)
	assert.True(t, parsed.Overwrite)
	require.NotNil(t, parsed.ForcedWrites)
	assert.True(t, *parsed.ForcedWrites)
	assert.Equal(t, "UTF8", parsed.DBCharset)

	data, err = dpb.Encode(false)
	require.NoError(t, err)
	parsed, err = ParseDPB(data)
	require.NoError(t, err)
	assert.Zero(t, parsed.PageSize)
	assert.False(t, parsed.Overwrite)
}
