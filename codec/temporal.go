package codec

import (
	"encoding/binary"
	"time"

	"github.com/tomyedwab/fbdriver/dberrors"
)

const (
	// mjdUnixDays is the number of days between 1858-11-17 and 1970-01-01.
	mjdUnixDays   = 40587
	secondsPerDay = 86400
	// ticksPerSecond is the resolution of a TIME value.
	ticksPerSecond = 10000
)

// timeTZReferenceDate is used to resolve the offset of a region for a bare TIME WITH TIME ZONE.
var timeTZReferenceDate = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// EncodeDate returns the number of days since 1858-11-17.
func EncodeDate(t time.Time) int32 {
	y, m, d := t.Date()
	unix := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
	return int32(floorDiv(unix, secondsPerDay) + mjdUnixDays)
}

// DecodeDate is the inverse of EncodeDate.
func DecodeDate(days int32) time.Time {
	return time.Unix((int64(days)-mjdUnixDays)*secondsPerDay, 0).UTC()
}

// EncodeTime returns the time of day in 1/10000 seconds.
func EncodeTime(t time.Time) uint32 {
	h, m, s := t.Clock()
	return uint32((h*3600+m*60+s)*ticksPerSecond + t.Nanosecond()/100000)
}

// DecodeTime returns the time of day on January 1 of year 1.
func DecodeTime(ticks uint32) time.Time {
	secs := int(ticks / ticksPerSecond)
	frac := int(ticks%ticksPerSecond) * 100000
	return time.Date(1, time.January, 1, secs/3600, secs/60%60, secs%60, frac, time.UTC)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func putTimestamp(dst []byte, t time.Time) {
	binary.LittleEndian.PutUint32(dst, uint32(EncodeDate(t)))
	binary.LittleEndian.PutUint32(dst[4:], EncodeTime(t))
}

func getTimestamp(src []byte) time.Time {
	date := DecodeDate(int32(binary.LittleEndian.Uint32(src)))
	tm := DecodeTime(binary.LittleEndian.Uint32(src[4:]))
	h, m, s := tm.Clock()
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, s, tm.Nanosecond(), time.UTC)
}

// zonedInput accepts a ZonedTime or a time.Time and returns the UTC instant plus zone id.
func zonedInput(v any) (time.Time, uint16, error) {
	var t time.Time
	var zone string
	switch x := v.(type) {
	case ZonedTime:
		t, zone = x.Time, x.Zone
		if zone == "" {
			zone = zoneOf(t)
		}
	case *ZonedTime:
		t, zone = x.Time, x.Zone
		if zone == "" {
			zone = zoneOf(t)
		}
	case time.Time:
		t, zone = x, zoneOf(x)
	default:
		return time.Time{}, 0, dberrors.Typef("Objects of type %T are not acceptable input for a time zone column.", v)
	}
	id, err := ZoneID(zone)
	if err != nil {
		return time.Time{}, 0, err
	}
	return t.UTC(), id, nil
}

func putZone(dst []byte, id uint16, t time.Time) {
	binary.LittleEndian.PutUint16(dst, id)
	_, offset := t.Zone()
	binary.LittleEndian.PutUint16(dst[2:], uint16(int16(offset/60)))
}

// EncodeTimestampTZ writes the 12-byte TIMESTAMP WITH TIME ZONE value.
func EncodeTimestampTZ(dst []byte, v any) error {
	utc, id, err := zonedInput(v)
	if err != nil {
		return err
	}
	putTimestamp(dst, utc)
	loc, _, err := locate(id)
	if err != nil {
		return err
	}
	putZone(dst[8:], id, utc.In(loc))
	return nil
}

// DecodeTimestampTZ reads a TIMESTAMP WITH TIME ZONE value. The offset
// stored with the value is used; values without one get the tzdata offset.
func DecodeTimestampTZ(src []byte) (ZonedTime, error) {
	if len(src) < 10 {
		return ZonedTime{}, dberrors.Dataf("TIMESTAMP WITH TIME ZONE value of %d bytes", len(src))
	}
	return zonedValue(getTimestamp(src), src[8:])
}

// EncodeTimeTZ writes the 8-byte TIME WITH TIME ZONE value. Only the time of
// day of the UTC instant is kept.
func EncodeTimeTZ(dst []byte, v any) error {
	utc, id, err := zonedInput(v)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst, EncodeTime(utc))
	loc, _, err := locate(id)
	if err != nil {
		return err
	}
	putZone(dst[4:], id, utc.In(loc))
	return nil
}

// DecodeTimeTZ reads a TIME WITH TIME ZONE value. Without a stored offset,
// region offsets are resolved on a fixed reference date.
func DecodeTimeTZ(src []byte) (ZonedTime, error) {
	if len(src) < 6 {
		return ZonedTime{}, dberrors.Dataf("TIME WITH TIME ZONE value of %d bytes", len(src))
	}
	tm := DecodeTime(binary.LittleEndian.Uint32(src))
	h, m, s := tm.Clock()
	ref := timeTZReferenceDate
	utc := time.Date(ref.Year(), ref.Month(), ref.Day(), h, m, s, tm.Nanosecond(), time.UTC)
	return zonedValue(utc, src[4:])
}

// zonedValue places utc in the zone stored in src: the zone id, optionally
// followed by the offset in minutes.
func zonedValue(utc time.Time, src []byte) (ZonedTime, error) {
	loc, name, err := locate(binary.LittleEndian.Uint16(src))
	if err != nil {
		return ZonedTime{}, err
	}
	local := utc.In(loc)
	_, offset := local.Zone()
	if len(src) >= 4 {
		if wire := int(int16(binary.LittleEndian.Uint16(src[2:]))) * 60; wire != offset {
			local, offset = utc.In(time.FixedZone(name, wire)), wire
		}
	}
	return ZonedTime{Time: local, Zone: name, Offset: time.Duration(offset) * time.Second}, nil
}
