package telemetry

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	printmirror "github.com/mirrorlab/PrintMirror"
	"github.com/pkg/errors"
)

// reportMessage is one frame from the printer's report stream. The device
// pushes partial updates: absent fields mean "unchanged", which is why
// everything is a pointer.
type reportMessage struct {
	Print *printReport `json:"print"`
}

type printReport struct {
	GcodeState     *string     `json:"gcode_state"`
	PrintType      *string     `json:"print_type"`
	SubtaskName    *string     `json:"subtask_name"`
	GcodeStartTime *string     `json:"gcode_start_time"`
	LayerNum       *int        `json:"layer_num"`
	TotalLayerNum  *int        `json:"total_layer_num"`
	McPercent      *int        `json:"mc_percent"`
	McRemaining    *int        `json:"mc_remaining_time"`
	NozzleTemper   *float64    `json:"nozzle_temper"`
	NozzleTarget   *float64    `json:"nozzle_target_temper"`
	BedTemper      *float64    `json:"bed_temper"`
	BedTarget      *float64    `json:"bed_target_temper"`
	Stage          *string     `json:"mc_print_stage"`
	AMS            *amsReport  `json:"ams"`
	HMS            []hmsReport `json:"hms"`
	PrintError     *int        `json:"print_error"`
}

type amsReport struct {
	TrayNow *string         `json:"tray_now"`
	Units   []amsUnitReport `json:"ams"`
}

type amsUnitReport struct {
	Humidity string          `json:"humidity"`
	Trays    []amsTrayReport `json:"tray"`
}

type amsTrayReport struct {
	TrayColor string `json:"tray_color"`
	TrayType  string `json:"tray_type"`
}

type hmsReport struct {
	Attr int64 `json:"attr"`
	Code int64 `json:"code"`
}

// applyReport merges one frame into the running snapshot.
func applyReport(snap *printmirror.DeviceSnapshot, data []byte) error {
	var msg reportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.Wrap(err, "decode report frame")
	}
	if msg.Print == nil {
		return nil
	}
	r := msg.Print

	if r.GcodeState != nil {
		snap.GcodeState = *r.GcodeState
	}
	if r.PrintType != nil {
		snap.PrintType = *r.PrintType
	}
	if r.SubtaskName != nil {
		snap.SubtaskName = *r.SubtaskName
	}
	if r.GcodeStartTime != nil {
		snap.StartTime = parseStartTime(*r.GcodeStartTime)
	}
	if r.LayerNum != nil {
		snap.CurrentLayer = *r.LayerNum
	}
	if r.TotalLayerNum != nil {
		snap.TotalLayers = *r.TotalLayerNum
	}
	if r.McPercent != nil {
		snap.PrintPercentage = *r.McPercent
	}
	if r.McRemaining != nil {
		snap.RemainingMinutes = *r.McRemaining
	}
	if r.NozzleTemper != nil {
		snap.NozzleTemp = *r.NozzleTemper
	}
	if r.NozzleTarget != nil {
		snap.NozzleTargetTemp = *r.NozzleTarget
	}
	if r.BedTemper != nil {
		snap.BedTemp = *r.BedTemper
	}
	if r.BedTarget != nil {
		snap.BedTargetTemp = *r.BedTarget
	}
	if r.Stage != nil {
		snap.Stage = *r.Stage
	}
	if r.AMS != nil {
		applyAMS(snap, r.AMS)
	}
	if r.HMS != nil {
		snap.HMSErrors = decodeHMS(r.HMS)
	}
	if r.PrintError != nil {
		snap.PrintError = *r.PrintError != 0
	}
	snap.HasJob = snap.SubtaskName != "" ||
		(snap.PrintType != "" && !strings.EqualFold(snap.PrintType, "idle"))
	return nil
}

func applyAMS(snap *printmirror.DeviceSnapshot, ams *amsReport) {
	if len(ams.Units) == 0 {
		return
	}
	unit := ams.Units[0]
	status := printmirror.AMSStatus{Present: true}
	if v, err := strconv.Atoi(strings.TrimSpace(unit.Humidity)); err == nil {
		status.HumidityIndex = v
	}
	if ams.TrayNow != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(*ams.TrayNow)); err == nil {
			status.TrayNow = v
		}
	} else {
		status.TrayNow = snap.AMS.TrayNow
	}
	for _, tray := range unit.Trays {
		status.Trays = append(status.Trays, printmirror.AMSTray{
			Name:  tray.TrayType,
			Color: tray.TrayColor,
			Empty: tray.TrayType == "" && tray.TrayColor == "",
		})
	}
	snap.AMS = status
}

func decodeHMS(reports []hmsReport) []printmirror.HMSError {
	out := make([]printmirror.HMSError, 0, len(reports))
	for _, r := range reports {
		if r.Attr == 0 && r.Code == 0 {
			continue
		}
		out = append(out, printmirror.HMSError{
			Code:     formatHMSCode(r.Attr, r.Code),
			Severity: hmsSeverity(r.Code),
		})
	}
	return out
}

// formatHMSCode renders the vendor's XXXX_XXXX_XXXX_XXXX code form.
func formatHMSCode(attr, code int64) string {
	return strconv.FormatInt(attr>>16&0xffff, 16) + "_" +
		strconv.FormatInt(attr&0xffff, 16) + "_" +
		strconv.FormatInt(code>>16&0xffff, 16) + "_" +
		strconv.FormatInt(code&0xffff, 16)
}

func hmsSeverity(code int64) string {
	switch code >> 16 & 0xffff {
	case 1:
		return "fatal"
	case 2:
		return "serious"
	case 3:
		return "common"
	default:
		return "info"
	}
}

// parseStartTime handles the unix-seconds string the device sends; "0" or
// junk means the field is not populated yet.
func parseStartTime(raw string) *time.Time {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "0" {
		return nil
	}
	secs, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || secs <= 0 {
		return nil
	}
	t := time.Unix(secs, 0)
	return &t
}
