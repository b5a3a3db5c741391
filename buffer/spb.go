package buffer

import (
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// SPBAttach describes the parameters of a service manager attachment.
type SPBAttach struct {
	User       string
	Password   string
	Role       string
	ExpectedDB string
	AuthBlock  []byte
}

// Encode builds the buffer.
func (s *SPBAttach) Encode() ([]byte, error) {
	b := New(SPBAttachLayout)
	for _, kv := range []struct {
		tag byte
		v   string
	}{
		{types.SPBUserName, s.User},
		{types.SPBPassword, s.Password},
		{types.SPBSQLRoleName, s.Role},
		{types.SPBExpectedDB, s.ExpectedDB},
	} {
		if kv.v == "" {
			continue
		}
		if err := b.InsertString(kv.tag, kv.v); err != nil {
			return nil, err
		}
	}
	if len(s.AuthBlock) > 0 {
		if err := b.InsertBytes(types.SPBAuthBlock, s.AuthBlock); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// ParseSPBAttach loads the parameters back from a buffer.
func ParseSPBAttach(data []byte) (*SPBAttach, error) {
	items, err := Decode(SPBAttachLayout, data)
	if err != nil {
		return nil, err
	}
	s := &SPBAttach{}
	for _, it := range items {
		switch it.Tag {
		case types.SPBUserName:
			s.User = it.String()
		case types.SPBPassword:
			s.Password = it.String()
		case types.SPBSQLRoleName:
			s.Role = it.String()
		case types.SPBExpectedDB:
			s.ExpectedDB = it.String()
		case types.SPBAuthBlock:
			s.AuthBlock = it.Data
		}
	}
	return s, nil
}

// ParseStart decodes a service start buffer into its action and arguments.
func ParseStart(data []byte) (types.ServerAction, *Buffer, error) {
	b, err := Parse(SPBStartLayout, data)
	if err != nil {
		return 0, nil, err
	}
	return types.ServerAction(b.Header()), b, nil
}

// BPB returns the BLOB parameter buffer selecting the storage type.
func BPB(t types.BlobType) []byte {
	b := New(BPBLayout)
	// BlobType values always fit a byte.
	_ = b.InsertInt(types.BPBType, int64(t))
	return b.Bytes()
}

// ParseBPB returns the BLOB type requested by a buffer. An empty buffer selects
// a segmented BLOB.
func ParseBPB(data []byte) (types.BlobType, error) {
	if len(data) == 0 {
		return types.BlobSegmented, nil
	}
	b, err := Parse(BPBLayout, data)
	if err != nil {
		return 0, err
	}
	it, ok := b.Find(types.BPBType)
	if !ok {
		return types.BlobSegmented, nil
	}
	switch t := types.BlobType(it.Int); t {
	case types.BlobSegmented, types.BlobStream:
		return t, nil
	default:
		return 0, dberrors.Valuef("BPB: unknown BLOB type %d", it.Int)
	}
}
