package buffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

func TestEncodeItemKinds(t *testing.T) {
	got, err := EncodeItem(DPBLayout, types.DPBSQLDialect, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{types.DPBSQLDialect, 3, 0, 0, 0}, got)

	got, err = EncodeItem(DPBLayout, types.DPBUserName, "SYSDBA")
	require.NoError(t, err)
	assert.Equal(t, []byte{types.DPBUserName, 6, 0, 'S', 'Y', 'S', 'D', 'B', 'A'}, got)

	got, err = EncodeItem(TPBLayout, byte(types.AccessRead), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(types.AccessRead)}, got)

	got, err = EncodeItem(TPBLayout, types.TPBAtSnapshotNumber, int64(1)<<40)
	require.NoError(t, err)
	assert.Equal(t, []byte{types.TPBAtSnapshotNumber, 0, 0, 0, 0, 0, 1, 0, 0}, got)
}

func TestEncodeItemOverflow(t *testing.T) {
	_, err := EncodeItem(DPBLayout, types.DPBPageSize, int64(1)<<33)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFieldValue)
	assert.True(t, dberrors.IsValueError(err))

	_, err = EncodeItem(BPBLayout, types.BPBType, 300)
	assert.ErrorIs(t, err, ErrInvalidFieldValue)

	_, err = EncodeItem(DPBLayout, types.DPBPageSize, "4096")
	assert.ErrorIs(t, err, ErrInvalidFieldValue)
}

func TestEncodeItemKindMismatch(t *testing.T) {
	for _, tc := range []struct {
		name   string
		layout *Layout
		tag    byte
		value  any
	}{
		{"int for string tag", DPBLayout, types.DPBUserName, 42},
		{"bool for string tag", DPBLayout, types.DPBUserName, true},
		{"int for bytes tag", DPBLayout, types.DPBAuthBlock, int64(1)},
		{"nil for int tag", DPBLayout, types.DPBPageSize, nil},
		{"bytes for int tag", DPBLayout, types.DPBSQLDialect, []byte{3}},
		{"value for flag tag", TPBLayout, byte(types.AccessRead), 7},
		{"string for flag tag", DPBLayout, types.DPBTrustedAuth, "yes"},
		{"unsupported type", DPBLayout, types.DPBSQLDialect, 3.0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EncodeItem(tc.layout, tc.tag, tc.value)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, ErrInvalidFieldValue)
			assert.True(t, dberrors.IsValueError(err))
		})
	}
}

func TestEncodeItemDecodes(t *testing.T) {
	for _, tc := range []struct {
		name   string
		layout *Layout
		tag    byte
		value  any
		want   Item
	}{
		{"string", DPBLayout, types.DPBUserName, "SYSDBA",
			Item{Tag: types.DPBUserName, Kind: KindString, Data: []byte("SYSDBA")}},
		{"bytes into string tag", DPBLayout, types.DPBUserName, []byte("x"),
			Item{Tag: types.DPBUserName, Kind: KindString, Data: []byte("x")}},
		{"int", DPBLayout, types.DPBPageSize, 8192,
			Item{Tag: types.DPBPageSize, Kind: KindInt32, Int: 8192}},
		{"bool", DPBLayout, types.DPBOverwrite, true,
			Item{Tag: types.DPBOverwrite, Kind: KindInt32, Int: 1}},
		{"flag", TPBLayout, byte(types.AccessRead), nil,
			Item{Tag: byte(types.AccessRead), Kind: KindFlag}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodeItem(tc.layout, tc.tag, tc.value)
			require.NoError(t, err)
			items, err := Decode(tc.layout, append([]byte{tc.layout.Version}, enc...))
			require.NoError(t, err)
			if diff := cmp.Diff([]Item{tc.want}, items); diff != "" {
				t.Errorf("decoded items mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	b := New(DPBLayout)
	require.NoError(t, b.InsertString(types.DPBUserName, "SYSDBA"))
	require.NoError(t, b.InsertString(types.DPBPassword, "masterkey"))
	require.NoError(t, b.InsertInt(types.DPBSQLDialect, 3))
	b.InsertTag(types.DPBTrustedAuth)
	require.NoError(t, b.InsertBytes(types.DPBAuthBlock, []byte{0, 1, 2}))
	require.NoError(t, b.InsertInt(types.DPBSetDBReadonly, -5))

	items, err := Decode(DPBLayout, b.Bytes())
	require.NoError(t, err)
	if diff := cmp.Diff(b.Items(), items); diff != "" {
		t.Errorf("decoded items mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeUnknownTagsAreOpaque(t *testing.T) {
	data := []byte{types.DPBVersion1, 200, 2, 0, 0xAB, 0xCD, types.DPBSQLDialect, 1, 0, 0, 0}
	items, err := Decode(DPBLayout, data)
	require.NoError(t, err)
	want := []Item{
		{Tag: 200, Kind: KindBytes, Data: []byte{0xAB, 0xCD}},
		{Tag: types.DPBSQLDialect, Kind: KindInt32, Int: 1},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("unexpected items (-want +got):\n%s", diff)
	}

	items, err = Decode(TPBLayout, []byte{types.TPBVersion3, 99, byte(types.AccessRead)})
	require.NoError(t, err)
	assert.Equal(t, KindFlag, items[0].Kind)
	assert.Equal(t, byte(99), items[0].Tag)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode(DPBLayout, []byte{types.DPBVersion1, types.DPBSQLDialect, 1, 0})
	require.Error(t, err)
	assert.True(t, dberrors.IsValueError(err))

	_, err = Decode(DPBLayout, []byte{types.TPBVersion3})
	require.Error(t, err)
}

func TestStartBuffer(t *testing.T) {
	b := NewStart(types.ActionBackup)
	require.NoError(t, b.InsertString(types.SPBDBName, "employee"))
	require.NoError(t, b.InsertString(types.SPBBkpFile, "/tmp/employee.fbk"))
	b.InsertTag(types.SPBVerbose)
	data := b.Bytes()
	assert.Equal(t, byte(types.ActionBackup), data[0])

	action, parsed, err := ParseStart(data)
	require.NoError(t, err)
	assert.Equal(t, types.ActionBackup, action)
	assert.True(t, parsed.Has(types.SPBVerbose))
	name, ok := parsed.Find(types.SPBDBName)
	require.True(t, ok)
	assert.Equal(t, "employee", name.String())
}

func TestBPB(t *testing.T) {
	data := BPB(types.BlobStream)
	assert.Equal(t, []byte{types.BPBVersion1, types.BPBType, byte(types.BlobStream)}, data)
	bt, err := ParseBPB(data)
	require.NoError(t, err)
	assert.Equal(t, types.BlobStream, bt)

	bt, err = ParseBPB(nil)
	require.NoError(t, err)
	assert.Equal(t, types.BlobSegmented, bt)
}

func TestSPBAttachRoundTrip(t *testing.T) {
	spb := &SPBAttach{User: "SYSDBA", Password: "masterkey", ExpectedDB: "employee"}
	data, err := spb.Encode()
	require.NoError(t, err)
	assert.Equal(t, types.SPBVersion2, data[0])
	parsed, err := ParseSPBAttach(data)
	require.NoError(t, err)
	assert.Equal(t, spb, parsed)
}
