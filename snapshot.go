package printmirror

import (
	"regexp"
	"time"
)

// Gcode lifecycle states reported by the printer. Anything outside the
// terminal set counts as an active print phase (RUNNING, PAUSE, PREPARE...).
const (
	GcodeStateIdle   = "IDLE"
	GcodeStateFinish = "FINISH"
	GcodeStateFailed = "FAILED"
)

// IsTerminalGcodeState reports whether the state means no job is in flight.
func IsTerminalGcodeState(state string) bool {
	switch state {
	case GcodeStateIdle, GcodeStateFinish, GcodeStateFailed:
		return true
	}
	return false
}

// DeviceSnapshot is the last-known device report delivered by the telemetry
// client at poll cadence. It is a value type; readers get copies.
type DeviceSnapshot struct {
	GcodeState       string
	PrintType        string
	HasJob           bool
	StartTime        *time.Time
	SubtaskName      string
	CurrentLayer     int
	TotalLayers      int
	PrintPercentage  int
	RemainingMinutes int

	NozzleTemp       float64
	NozzleTargetTemp float64
	BedTemp          float64
	BedTargetTemp    float64

	Stage string

	AMS AMSStatus

	HMSErrors  []HMSError
	PrintError bool
}

// AMSStatus mirrors the filament carousel report: per-slot trays plus a
// humidity index in device scale (1 = wet .. 5 = dry).
type AMSStatus struct {
	Present       bool
	HumidityIndex int
	TrayNow       int
	Trays         []AMSTray
}

// AMSTray is one filament slot.
type AMSTray struct {
	Name  string
	Color string // RGBA hex, eg "00AE42FF"
	Empty bool
}

// HMSError is one printer-reported health code.
type HMSError struct {
	Code     string
	Message  string
	Severity string
}

// TrayColor is a parsed RGBA value for drawing a filament swatch.
type TrayColor struct {
	R, G, B, A uint8
}

var trayColorPattern = regexp.MustCompile(`^([a-fA-F0-9]{2})([a-fA-F0-9]{2})([a-fA-F0-9]{2})([a-fA-F0-9]{2})$`)

// ParseTrayColor converts the device's RGBA hex string into a color. A
// malformed value yields fully transparent black so one bad field never
// aborts a render tick.
func ParseTrayColor(value string) TrayColor {
	m := trayColorPattern.FindStringSubmatch(value)
	if m == nil {
		return TrayColor{}
	}
	return TrayColor{
		R: hexByte(m[1]),
		G: hexByte(m[2]),
		B: hexByte(m[3]),
		A: hexByte(m[4]),
	}
}

func hexByte(s string) uint8 {
	var v uint8
	for i := 0; i < 2; i++ {
		v <<= 4
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			v |= c - '0'
		case c >= 'a' && c <= 'f':
			v |= c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v |= c - 'A' + 10
		}
	}
	return v
}

// DisplayHumidity converts the device humidity index to the scale used by
// the vendor's own apps (1 = dry .. 5 = wet).
func DisplayHumidity(deviceIndex int) int {
	return 6 - deviceIndex
}
