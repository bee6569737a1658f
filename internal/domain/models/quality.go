package models

import "time"

// QualityMetric is an append-only measurement of a table or column.
type QualityMetric struct {
	Table              string    `json:"table"`
	Column             string    `json:"column,omitempty"`
	Symbol             string    `json:"symbol,omitempty"`
	Total              int       `json:"total"`
	Completeness       float64   `json:"completeness"`
	Accuracy           float64   `json:"accuracy"`
	OutlierCount       int       `json:"outlier_count"`
	Duplicates         int       `json:"duplicates"`
	NonMonotonic       int       `json:"non_monotonic"`
	QualityScore       float64   `json:"quality_score"`
	RemediationApplied bool      `json:"remediation_applied"`
	Remediation        string    `json:"remediation,omitempty"`
	ScoreBefore        float64   `json:"score_before"`
	MeasuredAt         time.Time `json:"measured_at"`
}

// Anomaly is raised when a quality metric drops below its threshold.
type Anomaly struct {
	Table      string    `json:"table"`
	Symbol     string    `json:"symbol,omitempty"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	DetectedAt time.Time `json:"detected_at"`
}
