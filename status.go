package printmirror

import (
	"fmt"
	"strings"
	"time"
)

// DisplayStatus is the read-only view the drawing layer consumes each render
// tick. Assembling it never blocks on network or disk.
type DisplayStatus struct {
	CloudConnected     bool
	TelemetryConnected bool

	Stage string

	NozzleTemp       float64
	NozzleTargetTemp float64
	BedTemp          float64
	BedTargetTemp    float64

	AMS *AMSView
	Job *JobView

	ErrorCount int
	PrintError bool
}

// JobView is the active job as shown on screen.
type JobView struct {
	Name             string
	CurrentLayer     int
	TotalLayers      int
	Percent          int
	RemainingSeconds int
	ElapsedSeconds   int
	CoverPath        string
}

// AMSView is the filament carousel as shown on screen. Humidity is already
// flipped to the vendor-app scale.
type AMSView struct {
	Humidity int
	Trays    []TrayView
}

// TrayView is one filament slot ready for drawing.
type TrayView struct {
	Name   string
	Color  TrayColor
	Empty  bool
	Active bool
}

// BuildDisplayStatus assembles the render view from the pieces the agent
// owns. now is injectable for tests.
func BuildDisplayStatus(snap DeviceSnapshot, job *PrintJob, cloudConnected, telemetryConnected bool, now time.Time) DisplayStatus {
	status := DisplayStatus{
		CloudConnected:     cloudConnected,
		TelemetryConnected: telemetryConnected,
		Stage:              displayStage(snap),
		NozzleTemp:         snap.NozzleTemp,
		NozzleTargetTemp:   snap.NozzleTargetTemp,
		BedTemp:            snap.BedTemp,
		BedTargetTemp:      snap.BedTargetTemp,
		ErrorCount:         len(snap.HMSErrors),
		PrintError:         snap.PrintError,
	}
	if snap.AMS.Present {
		view := &AMSView{Humidity: DisplayHumidity(snap.AMS.HumidityIndex)}
		for i, tray := range snap.AMS.Trays {
			view.Trays = append(view.Trays, TrayView{
				Name:   tray.Name,
				Color:  ParseTrayColor(tray.Color),
				Empty:  tray.Empty,
				Active: i == snap.AMS.TrayNow,
			})
		}
		status.AMS = view
	}
	if job != nil {
		elapsed := int(now.Sub(job.StartTime) / time.Second)
		if elapsed < 0 {
			elapsed = 0
		}
		status.Job = &JobView{
			Name:             strings.ReplaceAll(job.SubtaskName, "_", " "),
			CurrentLayer:     snap.CurrentLayer,
			TotalLayers:      snap.TotalLayers,
			Percent:          snap.PrintPercentage,
			RemainingSeconds: snap.RemainingMinutes * 60,
			ElapsedSeconds:   elapsed,
			CoverPath:        job.CoverPath,
		}
	}
	return status
}

// displayStage turns the reported stage into a display string. When a print
// was aborted during bed preheat the stage can lag behind, so an idle print
// type overrides it.
func displayStage(snap DeviceSnapshot) string {
	stage := snap.Stage
	if stage == "" {
		return ""
	}
	if strings.EqualFold(snap.PrintType, "idle") {
		stage = snap.PrintType
	}
	return titleWords(strings.ReplaceAll(stage, "_", " "))
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// FormatDuration renders a duration as "3h 05m 12s", dropping leading zero
// units. With skipSeconds the seconds part is omitted ("< 1m" under a
// minute); a zero duration reads "soon" when counting down, "now" otherwise.
func FormatDuration(d time.Duration, skipSeconds, countingDown bool) string {
	total := int(d / time.Second)
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := total % 3600 / 60
	s := total % 60

	switch {
	case h > 0:
		if skipSeconds {
			return fmt.Sprintf("%dh %02dm", h, m)
		}
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		if skipSeconds {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %02ds", m, s)
	case s > 0:
		if skipSeconds {
			return "< 1m"
		}
		return fmt.Sprintf("%ds", s)
	default:
		if skipSeconds && countingDown {
			return "soon"
		}
		return "now"
	}
}
