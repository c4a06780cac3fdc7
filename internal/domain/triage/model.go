package triage

// Priority is the triage level assigned to a patient. RED is the most urgent
// tier and BLUE the least.
type Priority string

const (
	PriorityRed    Priority = "RED"
	PriorityYellow Priority = "YELLOW"
	PriorityGreen  Priority = "GREEN"
	PriorityBlue   Priority = "BLUE"
)

// escalationOrder lists priorities from least to most urgent.
var escalationOrder = []Priority{PriorityBlue, PriorityGreen, PriorityYellow, PriorityRed}

// Rank returns the urgency rank of p (BLUE=1 .. RED=4), or 0 for an unknown value.
func (p Priority) Rank() int {
	for i, q := range escalationOrder {
		if q == p {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether p is one of the four triage levels.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Next returns the priority one step more urgent than p. RED has no next step
// and returns itself.
func (p Priority) Next() Priority {
	r := p.Rank()
	if r == 0 || r == len(escalationOrder) {
		return p
	}
	return escalationOrder[r]
}

// MoreUrgentThan reports whether p ranks strictly above q.
func (p Priority) MoreUrgentThan(q Priority) bool {
	return p.Rank() > q.Rank()
}

// Consciousness is a level on the AVPU responsiveness scale.
type Consciousness string

const (
	ConsciousnessAlert        Consciousness = "alert"
	ConsciousnessVerbal       Consciousness = "verbal"
	ConsciousnessPain         Consciousness = "pain"
	ConsciousnessUnresponsive Consciousness = "unresponsive"
)

// Valid reports whether c is one of the four AVPU levels.
func (c Consciousness) Valid() bool {
	switch c {
	case ConsciousnessAlert, ConsciousnessVerbal, ConsciousnessPain, ConsciousnessUnresponsive:
		return true
	}
	return false
}

// Severity is the clinician-assessed severity of a symptom.
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityMild, SeverityModerate, SeveritySevere, SeverityCritical:
		return true
	}
	return false
}

// VitalSigns holds one set of observations. Every field is optional; a nil
// field contributes nothing to the score.
type VitalSigns struct {
	HeartRate        *float64       `json:"heartRate,omitempty"`
	RespiratoryRate  *float64       `json:"respiratoryRate,omitempty"`
	SystolicBP       *float64       `json:"systolicBP,omitempty"`
	DiastolicBP      *float64       `json:"diastolicBP,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	OxygenSaturation *float64       `json:"oxygenSaturation,omitempty"`
	Consciousness    *Consciousness `json:"consciousness,omitempty"`
}

// IsEmpty reports whether no observation was recorded.
func (v VitalSigns) IsEmpty() bool {
	return v.HeartRate == nil && v.RespiratoryRate == nil && v.SystolicBP == nil &&
		v.DiastolicBP == nil && v.Temperature == nil && v.OxygenSaturation == nil &&
		v.Consciousness == nil
}

type Symptom struct {
	Symptom  string   `json:"symptom"`
	Severity Severity `json:"severity"`
}

type RiskFactor struct {
	Factor   string `json:"factor"`
	Category string `json:"category,omitempty"`
}

// Input is everything the scoring engine looks at for one assessment.
type Input struct {
	VitalSigns     VitalSigns   `json:"vitalSigns"`
	Symptoms       []Symptom    `json:"symptoms,omitempty"`
	RiskFactors    []RiskFactor `json:"riskFactors,omitempty"`
	Age            *int         `json:"age,omitempty"`
	ChiefComplaint string       `json:"chiefComplaint,omitempty"`
}

// Result is the outcome of a single scoring pass.
type Result struct {
	Priority           Priority `json:"priority"`
	Score              int      `json:"score"`
	Reasons            []string `json:"reasons"`
	RecommendedActions []string `json:"recommendedActions"`
}
