package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relvacode/iso8601"
)

// QualityGood is the quality assigned to readings that carry none.
const QualityGood = "good"

// DeviceDataPoint is a sensor reading published on devices/{id}/data.
type DeviceDataPoint struct {
	DeviceID  string    `json:"deviceId"`
	Sensor    string    `json:"sensor"`
	Value     any       `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Quality   string    `json:"quality"`
}

// DeviceStatusUpdate is a device health report published on devices/{id}/status.
type DeviceStatusUpdate struct {
	DeviceID       string    `json:"deviceId"`
	Status         string    `json:"status"`
	LastSeen       time.Time `json:"lastSeen"`
	BatteryLevel   *float64  `json:"batteryLevel,omitempty"`
	SignalStrength *float64  `json:"signalStrength,omitempty"`
}

// wireDataPoint is the payload shape of a data message. The device id comes
// from the topic, never from the payload.
type wireDataPoint struct {
	Sensor    string `json:"sensor"`
	Value     any    `json:"value"`
	Unit      string `json:"unit"`
	Timestamp string `json:"timestamp"`
	Quality   string `json:"quality"`
}

type wireStatusUpdate struct {
	Status         string   `json:"status"`
	LastSeen       string   `json:"lastSeen"`
	BatteryLevel   *float64 `json:"batteryLevel"`
	SignalStrength *float64 `json:"signalStrength"`
}

// DecodeDeviceData parses a data payload for deviceID.
//
// A missing timestamp defaults to receivedAt and a missing quality to
// QualityGood. Timestamps are ISO-8601.
//
// Returns:
//   - error: ErrMalformedPayload (wrapped) for invalid JSON, a payload that
//     is not a JSON object, or a bad timestamp
func DecodeDeviceData(deviceID string, payload []byte, receivedAt time.Time) (DeviceDataPoint, error) {
	w, err := decodeObject[wireDataPoint](payload)
	if err != nil {
		return DeviceDataPoint{}, err
	}

	ts, err := parseTimestamp(w.Timestamp, receivedAt)
	if err != nil {
		return DeviceDataPoint{}, err
	}

	quality := w.Quality
	if quality == "" {
		quality = QualityGood
	}

	return DeviceDataPoint{
		DeviceID:  deviceID,
		Sensor:    w.Sensor,
		Value:     w.Value,
		Unit:      w.Unit,
		Timestamp: ts,
		Quality:   quality,
	}, nil
}

// DecodeDeviceStatus parses a status payload for deviceID.
// A missing lastSeen defaults to receivedAt.
//
// Returns:
//   - error: ErrMalformedPayload (wrapped) for invalid JSON, a payload that
//     is not a JSON object, or a bad timestamp
func DecodeDeviceStatus(deviceID string, payload []byte, receivedAt time.Time) (DeviceStatusUpdate, error) {
	w, err := decodeObject[wireStatusUpdate](payload)
	if err != nil {
		return DeviceStatusUpdate{}, err
	}

	lastSeen, err := parseTimestamp(w.LastSeen, receivedAt)
	if err != nil {
		return DeviceStatusUpdate{}, err
	}

	return DeviceStatusUpdate{
		DeviceID:       deviceID,
		Status:         w.Status,
		LastSeen:       lastSeen,
		BatteryLevel:   w.BatteryLevel,
		SignalStrength: w.SignalStrength,
	}, nil
}

// decodeObject unmarshals a JSON object into a new T. Arrays and scalars fail
// in json.Unmarshal; null decodes to a nil pointer and is rejected here.
func decodeObject[T any](payload []byte) (*T, error) {
	var w *T
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedPayload)
	}
	return w, nil
}

func parseTimestamp(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	ts, err := iso8601.ParseString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %w", ErrMalformedPayload, s, err)
	}
	return ts, nil
}

// DeviceDataHandler receives decoded device readings.
type DeviceDataHandler func(DeviceDataPoint)

// DeviceStatusHandler receives decoded device status updates.
type DeviceStatusHandler func(DeviceStatusUpdate)

// deviceRegistry holds device callbacks, separate from the topic router:
// callbacks for every device plus callbacks keyed by device id.
type deviceRegistry struct {
	allData   observers[DeviceDataHandler]
	allStatus observers[DeviceStatusHandler]

	mu       sync.Mutex
	byData   map[string]*observers[DeviceDataHandler]
	byStatus map[string]*observers[DeviceStatusHandler]
}

func newDeviceRegistry() *deviceRegistry {
	return &deviceRegistry{
		byData:   make(map[string]*observers[DeviceDataHandler]),
		byStatus: make(map[string]*observers[DeviceStatusHandler]),
	}
}

func (r *deviceRegistry) addData(deviceID string, fn DeviceDataHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byData[deviceID]
	if !ok {
		set = &observers[DeviceDataHandler]{}
		r.byData[deviceID] = set
	}

	remove := set.add(fn)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		remove()
		if set.len() == 0 && r.byData[deviceID] == set {
			delete(r.byData, deviceID)
		}
	}
}

func (r *deviceRegistry) addStatus(deviceID string, fn DeviceStatusHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byStatus[deviceID]
	if !ok {
		set = &observers[DeviceStatusHandler]{}
		r.byStatus[deviceID] = set
	}

	remove := set.add(fn)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		remove()
		if set.len() == 0 && r.byStatus[deviceID] == set {
			delete(r.byStatus, deviceID)
		}
	}
}

// reset drops every per-device callback. All-device callbacks stay.
func (r *deviceRegistry) reset() {
	r.mu.Lock()
	r.byData = make(map[string]*observers[DeviceDataHandler])
	r.byStatus = make(map[string]*observers[DeviceStatusHandler])
	r.mu.Unlock()
}

// dataHandlers returns the callbacks for deviceID: all-device callbacks first.
func (r *deviceRegistry) dataHandlers(deviceID string) []DeviceDataHandler {
	fns := r.allData.snapshot()
	r.mu.Lock()
	set := r.byData[deviceID]
	r.mu.Unlock()
	if set != nil {
		fns = append(fns, set.snapshot()...)
	}
	return fns
}

func (r *deviceRegistry) statusHandlers(deviceID string) []DeviceStatusHandler {
	fns := r.allStatus.snapshot()
	r.mu.Lock()
	set := r.byStatus[deviceID]
	r.mu.Unlock()
	if set != nil {
		fns = append(fns, set.snapshot()...)
	}
	return fns
}
