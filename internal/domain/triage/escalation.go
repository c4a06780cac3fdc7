package triage

import (
	"fmt"
	"strings"
)

// Thresholds holds the maximum wait, in minutes, tolerated at each non-RED
// priority before the patient is moved one step up. RED has no threshold.
type Thresholds struct {
	Yellow int `json:"yellow"`
	Green  int `json:"green"`
	Blue   int `json:"blue"`
}

// DefaultThresholds returns the stock wait limits: 15, 60 and 120 minutes.
func DefaultThresholds() Thresholds {
	return Thresholds{Yellow: 15, Green: 60, Blue: 120}
}

// For returns the wait threshold for p. The second value is false for RED
// and for unknown priorities.
func (t Thresholds) For(p Priority) (int, bool) {
	switch p {
	case PriorityYellow:
		return t.Yellow, true
	case PriorityGreen:
		return t.Green, true
	case PriorityBlue:
		return t.Blue, true
	}
	return 0, false
}

// Decision is the outcome of an escalation check. NewPriority and Reason are
// only set when Escalate is true.
type Decision struct {
	Escalate    bool     `json:"shouldEscalate"`
	NewPriority Priority `json:"newPriority,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// Policy decides when a patient's priority must be raised.
type Policy struct {
	thresholds Thresholds
}

func NewPolicy(t Thresholds) *Policy {
	return &Policy{thresholds: t}
}

func (p *Policy) Thresholds() Thresholds {
	return p.thresholds
}

// ShouldEscalate applies the wait-time rule first and, only if it did not
// fire, the vitals deterioration rule when newVitals is non-nil. The result
// never lowers the priority and never moves a RED patient.
func (p *Policy) ShouldEscalate(current Priority, waitingMinutes int, newVitals *VitalSigns) Decision {
	if current == PriorityRed || !current.Valid() {
		return Decision{}
	}

	if limit, ok := p.thresholds.For(current); ok && waitingMinutes > limit {
		return Decision{
			Escalate:    true,
			NewPriority: current.Next(),
			Reason:      fmt.Sprintf("Waiting time exceeded threshold: %d minutes", waitingMinutes),
		}
	}

	if newVitals == nil {
		return Decision{}
	}

	score, reasons := VitalSignsScore(*newVitals)
	switch {
	case score >= CriticalThreshold:
		return Decision{
			Escalate:    true,
			NewPriority: PriorityRed,
			Reason:      "Vital signs deteriorated: " + strings.Join(reasons, ", "),
		}
	case score >= HighThreshold && (current == PriorityGreen || current == PriorityBlue):
		return Decision{
			Escalate:    true,
			NewPriority: PriorityYellow,
			Reason:      "Vital signs worsened: " + strings.Join(reasons, ", "),
		}
	}
	return Decision{}
}
