package buffer

import (
	"github.com/tomyedwab/fbdriver/types"
)

// DPB describes the parameters of a database attachment or creation.
type DPB struct {
	User        string
	Password    string
	Role        string
	TrustedAuth bool
	// AuthBlock replaces the password when set.
	AuthBlock           []byte
	SQLDialect          int
	Charset             string
	Timeout             int
	DummyPacketInterval int
	CacheSize           int
	NoGC                bool
	NoDBTriggers        bool
	NoLinger            bool
	UTF8Filename        bool
	SessionTimeZone     string
	ParallelWorkers     int
	ProcessName         string
	ProcessID           int

	// Used on create only.
	PageSize      int
	Overwrite     bool
	DBCacheSize   int
	ForcedWrites  *bool
	ReserveSpace  *bool
	ReadOnly      bool
	SweepInterval *int
	DBSQLDialect  int
	DBCharset     string
}

// NewDPB returns a DPB with dialect 3 and the UTF8 connection charset.
func NewDPB() *DPB {
	return &DPB{SQLDialect: 3, Charset: "UTF8"}
}

type dpbWriter struct {
	b   *Buffer
	err error
}

func (w *dpbWriter) str(tag byte, v string) {
	if w.err == nil {
		w.err = w.b.InsertString(tag, v)
	}
}

func (w *dpbWriter) int(tag byte, v int) {
	if w.err == nil {
		w.err = w.b.InsertInt(tag, int64(v))
	}
}

func (w *dpbWriter) flag(tag byte, v bool) {
	if v {
		w.int(tag, 1)
	}
}

// Encode builds the buffer. Create-only items are written when forCreate is set.
func (d *DPB) Encode(forCreate bool) ([]byte, error) {
	w := &dpbWriter{b: New(DPBLayout)}
	if d.TrustedAuth {
		w.b.InsertTag(types.DPBTrustedAuth)
	} else {
		if d.User != "" {
			w.str(types.DPBUserName, d.User)
		}
		if d.Password != "" {
			w.str(types.DPBPassword, d.Password)
		}
		if len(d.AuthBlock) > 0 && w.err == nil {
			w.err = w.b.InsertBytes(types.DPBAuthBlock, d.AuthBlock)
		}
	}
	if d.Timeout != 0 {
		w.int(types.DPBConnectTimeout, d.Timeout)
	}
	if d.DummyPacketInterval != 0 {
		w.int(types.DPBDummyPacketInterval, d.DummyPacketInterval)
	}
	if d.Role != "" {
		w.str(types.DPBSQLRoleName, d.Role)
	}
	if d.SQLDialect != 0 {
		w.int(types.DPBSQLDialect, d.SQLDialect)
	}
	if d.Charset != "" {
		w.str(types.DPBLCCtype, d.Charset)
		if forCreate {
			w.str(types.DPBSetDBCharset, d.Charset)
		}
	}
	if d.CacheSize != 0 {
		w.int(types.DPBNumBuffers, d.CacheSize)
	}
	w.flag(types.DPBNoGarbageCollect, d.NoGC)
	w.flag(types.DPBUTF8Filename, d.UTF8Filename)
	w.flag(types.DPBNoDBTriggers, d.NoDBTriggers)
	w.flag(types.DPBNoLinger, d.NoLinger)
	if d.SessionTimeZone != "" {
		w.str(types.DPBSessionTimeZone, d.SessionTimeZone)
	}
	if d.ParallelWorkers != 0 {
		w.int(types.DPBParallelWorkers, d.ParallelWorkers)
	}
	if d.ProcessName != "" {
		w.str(types.DPBProcessName, d.ProcessName)
	}
	if d.ProcessID != 0 {
		w.int(types.DPBProcessID, d.ProcessID)
	}
	if forCreate {
		if d.PageSize != 0 {
			w.int(types.DPBPageSize, d.PageSize)
		}
		w.flag(types.DPBOverwrite, d.Overwrite)
		if d.DBCacheSize != 0 {
			w.int(types.DPBSetPageBuffers, d.DBCacheSize)
		}
		if d.ForcedWrites != nil {
			w.int(types.DPBForceWrite, boolInt(*d.ForcedWrites))
		}
		if d.ReserveSpace != nil {
			w.int(types.DPBNoReserve, boolInt(!*d.ReserveSpace))
		}
		w.flag(types.DPBSetDBReadonly, d.ReadOnly)
		if d.SweepInterval != nil {
			w.int(types.DPBSweepInterval, *d.SweepInterval)
		}
		if d.DBSQLDialect != 0 {
			w.int(types.DPBSetDBSQLDialect, d.DBSQLDialect)
		}
		if d.DBCharset != "" {
			w.str(types.DPBSetDBCharset, d.DBCharset)
		}
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.b.Bytes(), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// ParseDPB loads the parameters back from a buffer.
func ParseDPB(data []byte) (*DPB, error) {
	items, err := Decode(DPBLayout, data)
	if err != nil {
		return nil, err
	}
	d := &DPB{}
	for _, it := range items {
		switch it.Tag {
		case types.DPBTrustedAuth:
			d.TrustedAuth = true
		case types.DPBUserName:
			d.User = it.String()
		case types.DPBPassword:
			d.Password = it.String()
		case types.DPBAuthBlock:
			d.AuthBlock = it.Data
		case types.DPBConnectTimeout:
			d.Timeout = int(it.Int)
		case types.DPBDummyPacketInterval:
			d.DummyPacketInterval = int(it.Int)
		case types.DPBSQLRoleName:
			d.Role = it.String()
		case types.DPBSQLDialect:
			d.SQLDialect = int(it.Int)
		case types.DPBLCCtype:
			d.Charset = it.String()
		case types.DPBNumBuffers:
			d.CacheSize = int(it.Int)
		case types.DPBNoGarbageCollect:
			d.NoGC = it.Int != 0
		case types.DPBUTF8Filename:
			d.UTF8Filename = it.Int != 0
		case types.DPBNoDBTriggers:
			d.NoDBTriggers = it.Int != 0
		case types.DPBNoLinger:
			d.NoLinger = it.Int != 0
		case types.DPBSessionTimeZone:
			d.SessionTimeZone = it.String()
		case types.DPBParallelWorkers:
			d.ParallelWorkers = int(it.Int)
		case types.DPBProcessName:
			d.ProcessName = it.String()
		case types.DPBProcessID:
			d.ProcessID = int(it.Int)
		case types.DPBPageSize:
			d.PageSize = int(it.Int)
		case types.DPBOverwrite:
			d.Overwrite = it.Int != 0
		case types.DPBSetPageBuffers:
			d.DBCacheSize = int(it.Int)
		case types.DPBForceWrite:
			v := it.Int != 0
			d.ForcedWrites = &v
		case types.DPBNoReserve:
			v := it.Int == 0
			d.ReserveSpace = &v
		case types.DPBSetDBReadonly:
			d.ReadOnly = it.Int != 0
		case types.DPBSweepInterval:
			v := int(it.Int)
			d.SweepInterval = &v
		case types.DPBSetDBSQLDialect:
			d.DBSQLDialect = int(it.Int)
		case types.DPBSetDBCharset:
			d.DBCharset = it.String()
		}
	}
	return d, nil
}
