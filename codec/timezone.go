package codec

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/tomyedwab/fbdriver/dberrors"
)

const (
	// offsetZoneBase maps a zero offset to its zone id.
	offsetZoneBase = 1439
	maxOffsetZone  = 2 * offsetZoneBase
	firstRegionID  = 65535
)

// wellKnownZones get fixed ids. Other names are registered on first use below them.
var wellKnownZones = []string{
	"GMT",
	"UTC",
	"Europe/London",
	"Europe/Paris",
	"Europe/Berlin",
	"Europe/Prague",
	"Europe/Moscow",
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"America/Sao_Paulo",
	"Asia/Tokyo",
	"Asia/Shanghai",
	"Asia/Kolkata",
	"Australia/Sydney",
}

type zoneRegistry struct {
	mu     sync.RWMutex
	byName map[string]uint16
	byID   map[uint16]string
	next   uint16
}

var zones = newZoneRegistry()

func newZoneRegistry() *zoneRegistry {
	r := &zoneRegistry{
		byName: map[string]uint16{},
		byID:   map[uint16]string{},
		next:   firstRegionID,
	}
	for _, name := range wellKnownZones {
		r.add(name)
	}
	return r
}

func (r *zoneRegistry) add(name string) uint16 {
	id := r.next
	r.next--
	r.byName[name] = id
	r.byID[id] = name
	return id
}

func (r *zoneRegistry) region(name string) (uint16, error) {
	r.mu.RLock()
	id, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return 0, dberrors.Valuef("Invalid time zone region: %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id, nil
	}
	if r.next <= maxOffsetZone {
		return 0, dberrors.Valuef("time zone registry is full, cannot add %s", name)
	}
	return r.add(name), nil
}

func (r *zoneRegistry) name(id uint16) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[id]
	return name, ok
}

// ZoneID returns the id of a region name or an offset written as +HH:MM.
func ZoneID(zone string) (uint16, error) {
	if zone != "" && (zone[0] == '+' || zone[0] == '-') {
		minutes, err := parseOffset(zone)
		if err != nil {
			return 0, err
		}
		return offsetZoneID(minutes)
	}
	return zones.region(zone)
}

// ZoneName returns the region name or offset text of a zone id.
func ZoneName(id uint16) (string, error) {
	if id <= maxOffsetZone {
		return formatOffset(int(id) - offsetZoneBase), nil
	}
	if name, ok := zones.name(id); ok {
		return name, nil
	}
	return "", dberrors.Dataf("unknown time zone id %d", id)
}

func offsetZoneID(minutes int) (uint16, error) {
	if minutes < -offsetZoneBase || minutes > offsetZoneBase {
		return 0, dberrors.Valuef("time zone offset %d minutes is out of range", minutes)
	}
	return uint16(minutes + offsetZoneBase), nil
}

func parseOffset(s string) (int, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	hh, mm, ok := strings.Cut(s[1:], ":")
	h, err1 := strconv.Atoi(hh)
	m := 0
	var err2 error
	if ok {
		m, err2 = strconv.Atoi(mm)
	}
	if err1 != nil || err2 != nil || m > 59 {
		return 0, dberrors.Valuef("Invalid time zone offset: %s", s)
	}
	return sign * (h*60 + m), nil
}

func formatOffset(minutes int) string {
	sign := '+'
	if minutes < 0 {
		sign = '-'
		minutes = -minutes
	}
	return fmt.Sprintf("%c%02d:%02d", sign, minutes/60, minutes%60)
}

// ZonedTime is a time with time zone value as stored by the server: an instant
// together with the zone it was written in.
type ZonedTime struct {
	// Time is the instant in the zone's location.
	Time time.Time
	// Zone is a region name or an offset such as +02:00.
	Zone string
	// Offset is the offset from UTC in effect for Time.
	Offset time.Duration
}

func (z ZonedTime) String() string {
	return z.Time.Format("2006-01-02 15:04:05.0000") + " " + z.Zone
}

// zoneOf picks the zone written for a Go time. Named locations are stored as
// regions, everything else by offset.
func zoneOf(t time.Time) string {
	name := t.Location().String()
	if name != "" && name != "Local" {
		if _, err := time.LoadLocation(name); err == nil {
			return name
		}
	}
	_, offset := t.Zone()
	return formatOffset(offset / 60)
}

// locate resolves a zone id into a location.
func locate(id uint16) (*time.Location, string, error) {
	name, err := ZoneName(id)
	if err != nil {
		return nil, "", err
	}
	if id <= maxOffsetZone {
		return time.FixedZone(name, (int(id)-offsetZoneBase)*60), name, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, "", dberrors.Wrap(dberrors.KindData, "cannot load time zone "+name, err)
	}
	return loc, name, nil
}
