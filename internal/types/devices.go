package types

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Sensor type constants as reported by the cloud API
const (
	SensorRadonShortTermAvg = "radonShortTermAvg"
	SensorRadonLongTermAvg  = "radonLongTermAvg"
	SensorTemp              = "temp"
	SensorHumidity          = "humidity"
	SensorCO2               = "co2"
	SensorVOC               = "voc"
	SensorPressure          = "pressure"
	SensorLight             = "light"
	SensorBatteryPercentage = "batteryPercentage"
)

// UTCTime wraps time.Time to handle the API's zone-less ISO timestamps,
// which are always UTC.
type UTCTime struct {
	time.Time
}

const utcTimeLayout = "2006-01-02T15:04:05"

// UnmarshalJSON parses a zone-less ISO 8601 timestamp as UTC.
func (t *UTCTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}

	// Some endpoints include fractional seconds
	parsed, err := time.ParseInLocation(utcTimeLayout, s, time.UTC)
	if err != nil {
		parsed, err = time.ParseInLocation(utcTimeLayout+".999999", s, time.UTC)
	}
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}

	t.Time = parsed
	return nil
}

// MarshalJSON formats the timestamp the way the API expects
func (t UTCTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(utcTimeLayout) + `"`), nil
}

// Sensor represents a single current sensor value on a device
type Sensor struct {
	Type          string    `json:"type"`
	Value         float64   `json:"value"`
	ProvidedUnit  string    `json:"providedUnit"`
	PreferredUnit string    `json:"preferredUnit"`
	IsAlert       bool      `json:"isAlert"`
	Thresholds    []float64 `json:"thresholds"`
}

// Device is an immutable snapshot of one device's server-reported state.
// Identity is the serial number; every other field may change between
// fetches.
type Device struct {
	SerialNumber      string   `json:"serialNumber"`
	LocationName      string   `json:"locationName"`
	LocationID        string   `json:"locationId"`
	Lat               float64  `json:"lat"`
	Lng               float64  `json:"lng"`
	SegmentID         string   `json:"segmentId"`
	RoomName          string   `json:"roomName"`
	SegmentStart      UTCTime  `json:"segmentStart"`
	LatestSample      UTCTime  `json:"latestSample"`
	Sensors           []Sensor `json:"currentSensorValues"`
	BatteryPercentage int      `json:"batteryPercentage"`
	RSSI              *int     `json:"rssi,omitempty"`
	ModelType         string   `json:"type"`
	SignalQuality     string   `json:"signalQuality"`
	RelayDevice       string   `json:"relayDevice"`
}

// modelTypeToName maps API model type identifiers to product names
var modelTypeToName = map[string]string{
	"wave":     "Wave",
	"waveMini": "Wave Mini",
	"wavePlus": "Wave Plus",
	"wave2":    "Wave 2nd gen",
}

// ModelName returns the human-readable product name for the device model.
// Unknown model types fall back to the raw type with its first rune
// upper-cased.
func (d *Device) ModelName() string {
	if name, ok := modelTypeToName[d.ModelType]; ok {
		return name
	}
	if d.ModelType == "" {
		return ""
	}
	r := []rune(d.ModelType)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// GetSensor returns the sensor with the given type, or nil if the device
// does not report it.
func (d *Device) GetSensor(sensorType string) *Sensor {
	for i := range d.Sensors {
		if d.Sensors[i].Type == sensorType {
			return &d.Sensors[i]
		}
	}
	return nil
}

// SensorTypes returns the types of all sensors the device reports
func (d *Device) SensorTypes() []string {
	out := make([]string, 0, len(d.Sensors))
	for i := range d.Sensors {
		out = append(out, d.Sensors[i].Type)
	}
	return out
}

func (d *Device) String() string {
	return fmt.Sprintf("%s#%s", d.RoomName, d.SerialNumber)
}

// DeviceList is the payload returned by the device listing endpoint
type DeviceList struct {
	Devices []Device `json:"devices"`
}
