// Package normalizer classifies raw sensor frames and converts them into
// detections and sensor status reports.
package normalizer

import (
	"bytes"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/cot"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// ResultKind is the classification of one frame.
type ResultKind int

const (
	ResultIgnored ResultKind = iota
	ResultDetection
	ResultStatus
)

func (k ResultKind) String() string {
	switch k {
	case ResultDetection:
		return "detection"
	case ResultStatus:
		return "status"
	default:
		return "ignored"
	}
}

// Result is the outcome of normalizing one frame.
type Result struct {
	Kind      ResultKind
	Detection *models.Detection
	Status    *models.StatusMessage
	Reason    string // why the frame was ignored
}

func ignored(reason string) Result {
	return Result{Kind: ResultIgnored, Reason: reason}
}

// Message keys in the sensor's JSON dialect.
const (
	keyFPVDetection = "FPV Detection"
	keyAuxAdvInd    = "AUX_ADV_IND"
	keySystemStats  = "system_stats"
	keyBasicID      = "Basic ID"
)

// Normalizer converts frames. It is safe for concurrent use.
type Normalizer struct {
	logger *zap.Logger
	freq   atomic.Pointer[FrequencyRules]
	now    func() time.Time

	detections atomic.Uint64
	statuses   atomic.Uint64
	ignored    atomic.Uint64
}

// New creates a normalizer with the given frequency rules.
func New(logger *zap.Logger, rules FrequencyRules) *Normalizer {
	n := &Normalizer{
		logger: logger.Named("normalizer"),
		now:    time.Now,
	}
	n.freq.Store(&rules)
	return n
}

// SetFrequencyRules replaces the frequency rules used for subsequent frames.
func (n *Normalizer) SetFrequencyRules(rules FrequencyRules) {
	n.freq.Store(&rules)
}

func (n *Normalizer) rules() FrequencyRules {
	return *n.freq.Load()
}

// Normalize classifies a frame. Malformed input yields ResultIgnored, never a panic.
func (n *Normalizer) Normalize(frame models.Frame) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = ignored("panic during normalization")
			n.logger.Warn("Recovered while normalizing frame", zap.Any("panic", r), zap.String("source", frame.Source))
		}
		n.count(res)
	}()

	receivedAt := frame.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = n.now()
	}

	data := bytes.TrimSpace(frame.Data)
	if len(data) == 0 {
		return ignored("empty frame")
	}

	if cot.IsXML(data) {
		ev, err := cot.Parse(data)
		if err != nil {
			n.logger.Debug("Ignoring malformed CoT", zap.Error(err))
			return ignored("malformed cot")
		}
		return n.fromCoT(ev, frame.Source, receivedAt, models.RawExtension{Format: "cot", Data: append([]byte(nil), data...)})
	}

	env, ok := decodeEnvelope(data)
	if !ok {
		n.logger.Debug("Ignoring unrecognized frame", zap.String("source", frame.Source), zap.Int("bytes", len(data)))
		return ignored("unrecognized")
	}

	switch {
	case env.has(keyFPVDetection):
		return n.fromFPV(env, false, frame.Source, receivedAt, data)
	case env.has(keyAuxAdvInd) && env.has("frequency"):
		return n.fromFPV(env, true, frame.Source, receivedAt, data)
	case env.has(keySystemStats):
		return n.fromStatusJSON(env, receivedAt)
	case env.has(keyBasicID):
		ev, err := bridgeTelemetry(env, receivedAt)
		if err != nil {
			n.logger.Debug("Ignoring telemetry", zap.Error(err))
			return ignored(err.Error())
		}
		xmlData, err := ev.Marshal()
		if err != nil {
			return ignored(err.Error())
		}
		return n.fromCoT(ev, frame.Source, receivedAt, models.RawExtension{Format: "cot", Data: xmlData})
	}

	return ignored("unrecognized")
}

func (n *Normalizer) count(res Result) {
	switch res.Kind {
	case ResultDetection:
		n.detections.Add(1)
	case ResultStatus:
		n.statuses.Add(1)
	default:
		n.ignored.Add(1)
	}
}

// Stats returns normalizer counters.
func (n *Normalizer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"detections": n.detections.Load(),
		"statuses":   n.statuses.Load(),
		"ignored":    n.ignored.Load(),
	}
}
