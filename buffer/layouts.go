package buffer

import "github.com/tomyedwab/fbdriver/types"

// DPBLayout is the database attach and create buffer.
var DPBLayout = &Layout{
	Name:        "DPB",
	Version:     types.DPBVersion1,
	DefaultKind: KindBytes,
	Tags: map[byte]Kind{
		types.DPBPageSize:            KindInt32,
		types.DPBNumBuffers:          KindInt32,
		types.DPBNoGarbageCollect:    KindInt32,
		types.DPBSweepInterval:       KindInt32,
		types.DPBForceWrite:          KindInt32,
		types.DPBNoReserve:           KindInt32,
		types.DPBUserName:            KindString,
		types.DPBPassword:            KindString,
		types.DPBLCCtype:             KindString,
		types.DPBOverwrite:           KindInt32,
		types.DPBConnectTimeout:      KindInt32,
		types.DPBDummyPacketInterval: KindInt32,
		types.DPBSQLRoleName:         KindString,
		types.DPBSetPageBuffers:      KindInt32,
		types.DPBSQLDialect:          KindInt32,
		types.DPBSetDBReadonly:       KindInt32,
		types.DPBSetDBSQLDialect:     KindInt32,
		types.DPBSetDBCharset:        KindString,
		types.DPBProcessID:           KindInt32,
		types.DPBNoDBTriggers:        KindInt32,
		types.DPBTrustedAuth:         KindFlag,
		types.DPBProcessName:         KindString,
		types.DPBUTF8Filename:        KindInt32,
		types.DPBAuthBlock:           KindBytes,
		types.DPBNoLinger:            KindInt32,
		types.DPBSessionTimeZone:     KindString,
		types.DPBParallelWorkers:     KindInt32,
	},
}

// TPBLayout is the transaction start buffer.
var TPBLayout = &Layout{
	Name:        "TPB",
	Version:     types.TPBVersion3,
	DefaultKind: KindFlag,
	Tags: map[byte]Kind{
		types.TPBLockTimeout:       KindInt32,
		types.TPBAtSnapshotNumber:  KindInt64,
		byte(types.TableLockRead):  KindReservation,
		byte(types.TableLockWrite): KindReservation,
	},
}

// SPBAttachLayout is the service manager attach buffer.
var SPBAttachLayout = &Layout{
	Name:        "SPB",
	Version:     types.SPBVersion2,
	DefaultKind: KindBytes,
	Tags: map[byte]Kind{
		types.SPBUserName:    KindString,
		types.SPBPassword:    KindString,
		types.SPBSQLRoleName: KindString,
		types.SPBExpectedDB:  KindString,
		types.SPBAuthBlock:   KindBytes,
	},
}

// SPBStartLayout is the service start buffer. Its leading byte is the action.
var SPBStartLayout = &Layout{
	Name:        "SPB start",
	DefaultKind: KindBytes,
	Tags: map[byte]Kind{
		types.SPBDBName:        KindString,
		types.SPBVerbose:       KindFlag,
		types.SPBOptions:       KindInt32,
		types.SPBBkpFile:       KindString,
		types.SPBSecUserName:   KindString,
		types.SPBSecPassword:   KindString,
		types.SPBSecFirstName:  KindString,
		types.SPBSecMiddleName: KindString,
		types.SPBSecLastName:   KindString,
		types.SPBSecAdmin:      KindInt32,
	},
}

// BPBLayout is the BLOB create and open buffer.
var BPBLayout = &Layout{
	Name:        "BPB",
	Version:     types.BPBVersion1,
	DefaultKind: KindBytes,
	Tags: map[byte]Kind{
		types.BPBType: KindInt8,
	},
}
