package triage

import (
	"fmt"
	"strings"
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every problem found while normalizing an input.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "invalid triage input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// ParseConsciousness accepts an AVPU level in any case, with surrounding
// whitespace ignored.
func ParseConsciousness(s string) (Consciousness, error) {
	c := Consciousness(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown consciousness level %q", s)
	}
	return c, nil
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// ParsePriority accepts a priority in any case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// vitalRange is the physiologically plausible range accepted at the boundary.
type vitalRange struct {
	field    string
	min, max float64
}

var (
	heartRateRange   = vitalRange{"vitalSigns.heartRate", 0, 350}
	respRateRange    = vitalRange{"vitalSigns.respiratoryRate", 0, 120}
	systolicRange    = vitalRange{"vitalSigns.systolicBP", 0, 400}
	diastolicRange   = vitalRange{"vitalSigns.diastolicBP", 0, 300}
	temperatureRange = vitalRange{"vitalSigns.temperature", 20, 46}
	spo2Range        = vitalRange{"vitalSigns.oxygenSaturation", 0, 100}
)

func (r vitalRange) check(v *float64, verr *ValidationError) {
	if v == nil {
		return
	}
	if *v < r.min || *v > r.max {
		verr.add(r.field, "must be between %s and %s", num(r.min), num(r.max))
	}
}

// NormalizeVitals canonicalizes the consciousness level and rejects values
// outside plausible ranges. The returned error is a *ValidationError.
func NormalizeVitals(v *VitalSigns) error {
	verr := &ValidationError{}
	normalizeVitals(v, verr)
	return verr.orNil()
}

func normalizeVitals(v *VitalSigns, verr *ValidationError) {
	heartRateRange.check(v.HeartRate, verr)
	respRateRange.check(v.RespiratoryRate, verr)
	systolicRange.check(v.SystolicBP, verr)
	diastolicRange.check(v.DiastolicBP, verr)
	temperatureRange.check(v.Temperature, verr)
	spo2Range.check(v.OxygenSaturation, verr)

	if v.Consciousness != nil {
		c, err := ParseConsciousness(string(*v.Consciousness))
		if err != nil {
			verr.add("vitalSigns.consciousness", "must be one of alert, verbal, pain, unresponsive")
		} else {
			v.Consciousness = &c
		}
	}
}

// Normalize validates in and rewrites enum fields into canonical form so
// the engine can trust it. Blank symptom and risk factor labels are dropped.
// All problems are reported together in a *ValidationError.
func Normalize(in *Input) error {
	verr := &ValidationError{}

	normalizeVitals(&in.VitalSigns, verr)

	symptoms := in.Symptoms[:0]
	for i, s := range in.Symptoms {
		s.Symptom = strings.TrimSpace(s.Symptom)
		if s.Symptom == "" {
			continue
		}
		sev, err := ParseSeverity(string(s.Severity))
		if err != nil {
			verr.add(fmt.Sprintf("symptoms[%d].severity", i), "must be one of mild, moderate, severe, critical")
			continue
		}
		s.Severity = sev
		symptoms = append(symptoms, s)
	}
	in.Symptoms = symptoms

	risks := in.RiskFactors[:0]
	for _, r := range in.RiskFactors {
		r.Factor = strings.TrimSpace(r.Factor)
		if r.Factor == "" {
			continue
		}
		r.Category = strings.TrimSpace(r.Category)
		risks = append(risks, r)
	}
	in.RiskFactors = risks

	if in.Age != nil && (*in.Age < 0 || *in.Age > 150) {
		verr.add("age", "must be between 0 and 150")
	}
	in.ChiefComplaint = strings.TrimSpace(in.ChiefComplaint)

	return verr.orNil()
}
