package pipeline

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/preciousoreva/oiat/pkg/logger"
)

// Phase names the orchestrator's states. Each transition emits one
// structured event, which is what the operator portal's live view tails.
type Phase string

const (
	PhaseDownload  Phase = "download"
	PhaseSplit     Phase = "split"
	PhaseMerge     Phase = "merge"
	PhaseTransform Phase = "transform"
	PhaseUpload    Phase = "upload"
	PhaseArchive   Phase = "archive"
	PhaseReconcile Phase = "reconcile"
)

// Event is one structured pipeline occurrence.
type Event struct {
	Name     string
	Tenant   string
	Date     string
	Phase    Phase
	Duration time.Duration
	Fields   map[string]any
	At       time.Time
}

// EventFunc receives pipeline events.
type EventFunc func(Event)

// logEvents renders events as structured entries on the run log.
func logEvents(log *logger.Logger) EventFunc {
	return func(ev Event) {
		fields := logrus.Fields{
			"event":  ev.Name,
			"tenant": ev.Tenant,
		}
		if ev.Date != "" {
			fields["date"] = ev.Date
		}
		if ev.Phase != "" {
			fields["phase"] = string(ev.Phase)
		}
		if ev.Duration > 0 {
			fields["duration"] = ev.Duration.Round(time.Millisecond).String()
		}
		for k, v := range ev.Fields {
			fields[k] = v
		}
		log.WithFields(fields).Info("pipeline event")
	}
}
