package models

import "time"

type EventType string

const (
	EventPipelineProgress EventType = "pipeline.progress"
	EventPipelineDone     EventType = "pipeline.done"
	EventQualityAnomaly   EventType = "quality.anomaly"
	EventTRSStatus        EventType = "trs.status"
	EventComplianceAlert  EventType = "trs.compliance"
	EventRiskViolation    EventType = "risk.violation"
	EventEmergencyStop    EventType = "risk.emergency_stop"
	EventEmergencyClear   EventType = "risk.emergency_clear"
	EventOrderTransition  EventType = "order.transition"
	EventCalibration      EventType = "var.calibration"
	EventQuotaAlert       EventType = "transport.quota"
)

type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

func (s AlertSeverity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is published on the event bus and kept in the alert log.
type Event struct {
	ID       string        `json:"id"`
	Type     EventType     `json:"type"`
	Severity AlertSeverity `json:"severity"`
	Source   string        `json:"source"`
	Message  string        `json:"message"`
	Payload  interface{}   `json:"payload,omitempty"`
	At       time.Time     `json:"at"`
}
