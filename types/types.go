// Package types holds the type codes, enumerations, parameter buffer tags and
// descriptors shared by every layer of the driver.
package types

import "fmt"

// SQLDataType is the server type code of a message field.
type SQLDataType int

const (
	SQLText        SQLDataType = 452
	SQLVarying     SQLDataType = 448
	SQLShort       SQLDataType = 500
	SQLLong        SQLDataType = 496
	SQLFloat       SQLDataType = 482
	SQLDouble      SQLDataType = 480
	SQLDFloat      SQLDataType = 530
	SQLTimestamp   SQLDataType = 510
	SQLBlob        SQLDataType = 520
	SQLArray       SQLDataType = 540
	SQLQuad        SQLDataType = 550
	SQLTime        SQLDataType = 560
	SQLDate        SQLDataType = 570
	SQLInt64       SQLDataType = 580
	SQLInt128      SQLDataType = 32752
	SQLTimestampTZ SQLDataType = 32754
	SQLTimeTZ      SQLDataType = 32756
	SQLDec16       SQLDataType = 32760
	SQLDec34       SQLDataType = 32762
	SQLBoolean     SQLDataType = 32764
	SQLNull        SQLDataType = 32766
)

var sqlDataTypeNames = map[SQLDataType]string{
	SQLText:        "TEXT",
	SQLVarying:     "VARYING",
	SQLShort:       "SHORT",
	SQLLong:        "LONG",
	SQLFloat:       "FLOAT",
	SQLDouble:      "DOUBLE",
	SQLDFloat:      "D_FLOAT",
	SQLTimestamp:   "TIMESTAMP",
	SQLBlob:        "BLOB",
	SQLArray:       "ARRAY",
	SQLQuad:        "QUAD",
	SQLTime:        "TIME",
	SQLDate:        "DATE",
	SQLInt64:       "INT64",
	SQLInt128:      "INT128",
	SQLTimestampTZ: "TIMESTAMP_TZ",
	SQLTimeTZ:      "TIME_TZ",
	SQLDec16:       "DEC16",
	SQLDec34:       "DEC34",
	SQLBoolean:     "BOOLEAN",
	SQLNull:        "NULL",
}

func (t SQLDataType) String() string {
	if name, ok := sqlDataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SQLDataType(%d)", int(t))
}

// ParseSQLDataType maps a type name back to its code.
func ParseSQLDataType(name string) (SQLDataType, bool) {
	for code, n := range sqlDataTypeNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

// FixedLength returns the storage size of a type with a fixed width, or 0.
func (t SQLDataType) FixedLength() int {
	switch t {
	case SQLBoolean:
		return 1
	case SQLShort:
		return 2
	case SQLLong, SQLFloat, SQLDate, SQLTime:
		return 4
	case SQLInt64, SQLDouble, SQLDFloat, SQLTimestamp, SQLTimeTZ, SQLBlob, SQLArray, SQLQuad, SQLDec16:
		return 8
	case SQLTimestampTZ:
		return 12
	case SQLInt128, SQLDec34:
		return 16
	}
	return 0
}

// Alignment returns the alignment the message layout applies to a field of this type.
func (t SQLDataType) Alignment() int {
	switch t {
	case SQLText, SQLBoolean:
		return 1
	case SQLVarying, SQLShort:
		return 2
	case SQLInt64, SQLDouble, SQLDFloat, SQLInt128, SQLDec16, SQLDec34:
		return 8
	}
	return 4
}

// StatementType classifies a prepared statement.
type StatementType int

const (
	StatementSelect        StatementType = 1
	StatementInsert        StatementType = 2
	StatementUpdate        StatementType = 3
	StatementDelete        StatementType = 4
	StatementDDL           StatementType = 5
	StatementGetSegment    StatementType = 6
	StatementPutSegment    StatementType = 7
	StatementExecProcedure StatementType = 8
	StatementStartTrans    StatementType = 9
	StatementCommit        StatementType = 10
	StatementRollback      StatementType = 11
	StatementSelectForUpd  StatementType = 12
	StatementSetGenerator  StatementType = 13
	StatementSavepoint     StatementType = 14
)

func (t StatementType) String() string {
	switch t {
	case StatementSelect:
		return "SELECT"
	case StatementInsert:
		return "INSERT"
	case StatementUpdate:
		return "UPDATE"
	case StatementDelete:
		return "DELETE"
	case StatementDDL:
		return "DDL"
	case StatementGetSegment:
		return "GET_SEGMENT"
	case StatementPutSegment:
		return "PUT_SEGMENT"
	case StatementExecProcedure:
		return "EXEC_PROCEDURE"
	case StatementStartTrans:
		return "START_TRANS"
	case StatementCommit:
		return "COMMIT"
	case StatementRollback:
		return "ROLLBACK"
	case StatementSelectForUpd:
		return "SELECT_FOR_UPD"
	case StatementSetGenerator:
		return "SET_GENERATOR"
	case StatementSavepoint:
		return "SAVEPOINT"
	}
	return fmt.Sprintf("StatementType(%d)", int(t))
}

// StatementFlag describes properties of a prepared statement.
type StatementFlag int

const (
	StatementFlagHasCursor     StatementFlag = 1
	StatementFlagRepeatExecute StatementFlag = 2
)

// CursorFlag selects cursor behavior on open.
type CursorFlag int

const CursorScrollable CursorFlag = 1

// TraAccessMode is the TPB access mode tag.
type TraAccessMode byte

const (
	AccessRead  TraAccessMode = 8
	AccessWrite TraAccessMode = 9
)

// TraIsolation is the TPB isolation tag.
type TraIsolation byte

const (
	TraConsistency   TraIsolation = 1
	TraConcurrency   TraIsolation = 2
	TraReadCommitted TraIsolation = 15
)

// TraReadCommittedMode selects the read committed flavor.
type TraReadCommittedMode byte

const (
	TraRecordVersion   TraReadCommittedMode = 17
	TraNoRecordVersion TraReadCommittedMode = 18
)

// Isolation is the user-facing isolation level.
type Isolation int

const (
	IsolationReadCommitted                Isolation = -1
	IsolationSerializable                 Isolation = 1
	IsolationSnapshot                     Isolation = 2
	IsolationReadCommittedNoRecVersion    Isolation = 3
	IsolationReadCommittedRecVersion      Isolation = 4
	IsolationReadCommittedReadConsistency Isolation = 5
)

func (i Isolation) String() string {
	switch i {
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationSerializable:
		return "SERIALIZABLE"
	case IsolationSnapshot:
		return "SNAPSHOT"
	case IsolationReadCommittedNoRecVersion:
		return "READ_COMMITTED_NO_RECORD_VERSION"
	case IsolationReadCommittedRecVersion:
		return "READ_COMMITTED_RECORD_VERSION"
	case IsolationReadCommittedReadConsistency:
		return "READ_COMMITTED_READ_CONSISTENCY"
	}
	return fmt.Sprintf("Isolation(%d)", int(i))
}

// ParseIsolation accepts the names produced by Isolation.String.
func ParseIsolation(name string) (Isolation, error) {
	for _, i := range []Isolation{
		IsolationReadCommitted, IsolationSerializable, IsolationSnapshot,
		IsolationReadCommittedNoRecVersion, IsolationReadCommittedRecVersion,
		IsolationReadCommittedReadConsistency,
	} {
		if i.String() == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown isolation level %q", name)
}

// TraLockResolution is the TPB wait mode tag.
type TraLockResolution byte

const (
	LockWait   TraLockResolution = 6
	LockNoWait TraLockResolution = 7
)

// TableShareMode is the share part of a table reservation.
type TableShareMode byte

const (
	ShareShared    TableShareMode = 3
	ShareProtected TableShareMode = 4
	ShareExclusive TableShareMode = 5
)

// TableAccessMode is the access part of a table reservation.
type TableAccessMode byte

const (
	TableLockRead  TableAccessMode = 10
	TableLockWrite TableAccessMode = 11
)

// DefaultAction is applied when a transaction is ended implicitly.
type DefaultAction int

const (
	ActionCommit   DefaultAction = 1
	ActionRollback DefaultAction = 2
)

// TPBItem tags without a dedicated enum.
const (
	TPBVersion3         byte = 3
	TPBIgnoreLimbo      byte = 14
	TPBAutocommit       byte = 16
	TPBNoAutoUndo       byte = 20
	TPBLockTimeout      byte = 21
	TPBReadConsistency  byte = 22
	TPBAtSnapshotNumber byte = 23
)

// DPBItem tags.
const (
	DPBVersion1            byte = 1
	DPBPageSize            byte = 4
	DPBNumBuffers          byte = 5
	DPBNoGarbageCollect    byte = 16
	DPBSweepInterval       byte = 22
	DPBForceWrite          byte = 24
	DPBNoReserve           byte = 27
	DPBUserName            byte = 28
	DPBPassword            byte = 29
	DPBLCCtype             byte = 48
	DPBOverwrite           byte = 54
	DPBConnectTimeout      byte = 57
	DPBDummyPacketInterval byte = 58
	DPBSQLRoleName         byte = 60
	DPBSetPageBuffers      byte = 61
	DPBSQLDialect          byte = 63
	DPBSetDBReadonly       byte = 64
	DPBSetDBSQLDialect     byte = 65
	DPBSetDBCharset        byte = 68
	DPBProcessID           byte = 71
	DPBNoDBTriggers        byte = 72
	DPBTrustedAuth         byte = 73
	DPBProcessName         byte = 74
	DPBUTF8Filename        byte = 77
	DPBAuthBlock           byte = 79
	DPBNoLinger            byte = 88
	DPBSessionTimeZone     byte = 91
	DPBParallelWorkers     byte = 100
)

// SPBItem tags.
const (
	SPBVersion2    byte = 2
	SPBUserName    byte = 28
	SPBPassword    byte = 29
	SPBSQLRoleName byte = 60
	SPBDBName      byte = 106
	SPBVerbose     byte = 107
	SPBOptions     byte = 108
	SPBAuthBlock   byte = 115
	SPBExpectedDB  byte = 124
)

// Service action argument tags. They share the numeric space of a started action.
const (
	SPBBkpFile       byte = 5
	SPBSecUserName   byte = 7
	SPBSecPassword   byte = 8
	SPBSecFirstName  byte = 10
	SPBSecMiddleName byte = 11
	SPBSecLastName   byte = 12
	SPBSecAdmin      byte = 13
)

// Restore option bits carried by SPBOptions.
const (
	SPBResReplace = 0x1000
	SPBResCreate  = 0x2000
)

// BPBItem tags.
const (
	BPBVersion1 byte = 1
	BPBType     byte = 3
)

// BlobType selects the BLOB storage flavor.
type BlobType byte

const (
	BlobSegmented BlobType = 0
	BlobStream    BlobType = 1
)

func (b BlobType) String() string {
	if b == BlobStream {
		return "STREAM"
	}
	return "SEGMENTED"
}

// ServerAction is the first byte of a service start buffer.
type ServerAction byte

const (
	ActionBackup      ServerAction = 1
	ActionRestore     ServerAction = 2
	ActionRepair      ServerAction = 3
	ActionAddUser     ServerAction = 4
	ActionDeleteUser  ServerAction = 5
	ActionModifyUser  ServerAction = 6
	ActionDisplayUser ServerAction = 7
	ActionProperties  ServerAction = 8
	ActionDBStats     ServerAction = 11
	ActionGetFBLog    ServerAction = 12
	ActionValidate    ServerAction = 30
)

func (a ServerAction) String() string {
	switch a {
	case ActionBackup:
		return "backup"
	case ActionRestore:
		return "restore"
	case ActionRepair:
		return "repair"
	case ActionAddUser:
		return "add_user"
	case ActionDeleteUser:
		return "delete_user"
	case ActionModifyUser:
		return "modify_user"
	case ActionDisplayUser:
		return "display_user"
	case ActionProperties:
		return "properties"
	case ActionDBStats:
		return "db_stats"
	case ActionGetFBLog:
		return "get_fb_log"
	case ActionValidate:
		return "validate"
	}
	return fmt.Sprintf("ServerAction(%d)", int(a))
}

// Character set ids the driver treats specially.
const (
	CharsetNone       = 0
	CharsetOctets     = 1
	CharsetASCII      = 2
	CharsetUnicodeFSS = 3
	CharsetUTF8       = 4
	CharsetGB18030    = 69
)

// MaxBlobSegmentSize is the largest segment a BLOB write may carry.
const MaxBlobSegmentSize = 65535

// Integer ranges used by overflow checks.
const (
	ShortMin = -32768
	ShortMax = 32767
	IntMin   = -2147483648
	IntMax   = 2147483647
)

// DbInfoCode identifies an item of database information.
type DbInfoCode int

const (
	DbInfoPageSize        DbInfoCode = 14
	DbInfoNumBuffers      DbInfoCode = 15
	DbInfoAllocation      DbInfoCode = 21
	DbInfoAttachmentID    DbInfoCode = 22
	DbInfoODSVersion      DbInfoCode = 32
	DbInfoODSMinorVersion DbInfoCode = 33
	DbInfoDBSQLDialect    DbInfoCode = 62
	DbInfoCreationDate    DbInfoCode = 64
	DbInfoDBFileSize      DbInfoCode = 112
	DbInfoFirebirdVersion DbInfoCode = 103
	DbInfoCharset         DbInfoCode = 101
	DbInfoReadOnly        DbInfoCode = 63
)
