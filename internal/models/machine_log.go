package models

import (
	"encoding/json"
	"math"
)

// Date and timestamp layouts used for session identity
const (
	SessionDayLayout   = "2006-01-02"
	SessionStartLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Reading is one sensor sample as stored under a session's logs.
// Fields are caller supplied except "timestamp", which the server assigns.
type Reading map[string]interface{}

// Reserved reading fields
const (
	ReadingFieldTemp      = "temp"
	ReadingFieldHum       = "hum"
	ReadingFieldTimestamp = "timestamp"
)

// Number returns the named field as a float64 when it holds a finite number.
// Values decoded from JSON, BSON or YAML are all accepted.
func (r Reading) Number(field string) (float64, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, false
	}

	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Timestamp returns the server-assigned epoch milliseconds of the reading
func (r Reading) Timestamp() int64 {
	f, ok := r.Number(ReadingFieldTimestamp)
	if !ok {
		return 0
	}
	return int64(f)
}

// Session is one machine's readings for one UTC calendar day
type Session struct {
	ID        string             `bson:"_id" json:"-"`
	MachineID string             `bson:"machineId" json:"machineID"`
	Day       string             `bson:"day" json:"day"`
	StartTime string             `bson:"startTime" json:"startTime"`
	Logs      map[string]Reading `bson:"logs" json:"logs"`
	Summary   string             `bson:"summary,omitempty" json:"summary,omitempty"`
}

// HasSummary reports whether a summary has already been stored
func (s *Session) HasSummary() bool {
	return s != nil && s.Summary != ""
}

// SessionPath returns the hierarchical path of a session node
func SessionPath(machineID, day string) string {
	return "machineLogs/" + machineID + "/" + day
}

// LogRequest is the inbound payload sent by devices and gateways
type LogRequest struct {
	MachineID string  `json:"machineID"`
	Data      Reading `json:"data"`
}

// IngestResult describes what a single ingest call did
type IngestResult struct {
	MachineID        string `json:"machineID"`
	Day              string `json:"day"`
	LogKey           string `json:"logKey"`
	LogCount         int    `json:"logCount"`
	SessionCreated   bool   `json:"sessionCreated"`
	SummaryGenerated bool   `json:"summaryGenerated"`
}

// SessionList is returned by the session listing endpoint
type SessionList struct {
	MachineID string   `json:"machineID"`
	Days      []string `json:"days"`
}
