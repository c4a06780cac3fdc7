package triage

import (
	"fmt"
	"strconv"
	"strings"
)

// Score boundaries for the priority tiers. The total score is compared
// highest tier first.
const (
	CriticalThreshold = 80
	HighThreshold     = 50
	ModerateThreshold = 20
)

var criticalSymptoms = []string{
	"chest pain", "difficulty breathing", "severe bleeding", "stroke symptoms",
	"altered mental status", "severe head injury", "seizure", "loss of consciousness",
	"suspected heart attack", "anaphylaxis", "severe burns",
}

var urgentSymptoms = []string{
	"moderate bleeding", "severe pain", "high fever", "vomiting blood",
	"severe dehydration", "broken bone", "severe allergic reaction",
}

var highRiskConditions = []string{
	"cardiac", "respiratory", "diabetes", "immunocompromised",
	"pregnancy", "cancer", "organ transplant", "renal failure",
}

var recommendedActions = map[Priority][]string{
	PriorityRed: {
		"IMMEDIATE medical intervention required",
		"Prepare resuscitation equipment",
		"Alert senior physician",
	},
	PriorityYellow: {
		"Urgent care needed within 30 minutes",
		"Continuous monitoring",
	},
	PriorityGreen: {
		"Standard care - within 2 hours",
		"Regular vital checks",
	},
	PriorityBlue: {
		"Minor condition - can wait",
		"Self-care advice applicable",
	},
}

// CalculatePriority scores in and maps the total onto a priority tier. It is
// pure: the same input always yields the same result, reasons included.
func CalculatePriority(in Input) Result {
	var reasons []string

	vitalScore, vitalReasons := VitalSignsScore(in.VitalSigns)
	reasons = append(reasons, vitalReasons...)

	symptomScore, symptomReasons := symptomsScore(in.Symptoms)
	reasons = append(reasons, symptomReasons...)

	riskScore, riskReasons := riskFactorsScore(in.RiskFactors, in.Age)
	reasons = append(reasons, riskReasons...)

	score := vitalScore + symptomScore + riskScore
	priority := PriorityForScore(score)

	if reasons == nil {
		reasons = []string{}
	}
	return Result{
		Priority:           priority,
		Score:              score,
		Reasons:            reasons,
		RecommendedActions: RecommendedActions(priority),
	}
}

// PriorityForScore maps a cumulative score onto its tier.
func PriorityForScore(score int) Priority {
	switch {
	case score >= CriticalThreshold:
		return PriorityRed
	case score >= HighThreshold:
		return PriorityYellow
	case score >= ModerateThreshold:
		return PriorityGreen
	default:
		return PriorityBlue
	}
}

// RecommendedActions returns a copy of the action list for p.
func RecommendedActions(p Priority) []string {
	actions := recommendedActions[p]
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}

// VitalSignsScore returns the vitals sub-score and one reason per abnormal
// vital. Within a vital only the most severe matching band counts.
func VitalSignsScore(v VitalSigns) (int, []string) {
	score := 0
	var reasons []string
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	if v.HeartRate != nil {
		hr := *v.HeartRate
		switch {
		case hr < 40 || hr > 140:
			add(30, fmt.Sprintf("Critical heart rate: %s bpm", num(hr)))
		case hr < 50 || hr > 120:
			add(20, fmt.Sprintf("Abnormal heart rate: %s bpm", num(hr)))
		case hr < 60 || hr > 100:
			add(10, fmt.Sprintf("Elevated heart rate: %s bpm", num(hr)))
		}
	}

	if v.RespiratoryRate != nil {
		rr := *v.RespiratoryRate
		switch {
		case rr < 8 || rr > 30:
			add(30, fmt.Sprintf("Critical respiratory rate: %s/min", num(rr)))
		case rr < 10 || rr > 24:
			add(20, fmt.Sprintf("Abnormal respiratory rate: %s/min", num(rr)))
		case rr < 12 || rr > 20:
			add(10, fmt.Sprintf("Elevated respiratory rate: %s/min", num(rr)))
		}
	}

	if v.SystolicBP != nil {
		sbp := *v.SystolicBP
		bp := bloodPressure(sbp, v.DiastolicBP)
		// The elevated band only checks the upper bound.
		switch {
		case sbp < 90 || sbp > 200:
			add(30, "Critical blood pressure: "+bp)
		case sbp < 100 || sbp > 180:
			add(20, "Abnormal blood pressure: "+bp)
		case sbp > 140:
			add(10, "Elevated blood pressure: "+bp)
		}
	}

	if v.OxygenSaturation != nil {
		spo2 := *v.OxygenSaturation
		switch {
		case spo2 < 90:
			add(30, fmt.Sprintf("Critical oxygen saturation: %s%%", num(spo2)))
		case spo2 < 94:
			add(20, fmt.Sprintf("Low oxygen saturation: %s%%", num(spo2)))
		case spo2 < 96:
			add(10, fmt.Sprintf("Reduced oxygen saturation: %s%%", num(spo2)))
		}
	}

	if v.Temperature != nil {
		t := *v.Temperature
		switch {
		case t < 35 || t > 40:
			add(25, fmt.Sprintf("Critical temperature: %s°C", num(t)))
		case t < 36 || t > 39:
			add(15, fmt.Sprintf("Abnormal temperature: %s°C", num(t)))
		case t > 38:
			add(8, fmt.Sprintf("Fever: %s°C", num(t)))
		}
	}

	if v.Consciousness != nil {
		switch *v.Consciousness {
		case ConsciousnessUnresponsive:
			add(40, "Patient unresponsive - CRITICAL")
		case ConsciousnessPain:
			add(25, "Responds only to pain")
		case ConsciousnessVerbal:
			add(15, "Responds to verbal stimuli")
		}
	}

	return score, reasons
}

func symptomsScore(symptoms []Symptom) (int, []string) {
	score := 0
	var reasons []string

	for _, s := range symptoms {
		label := strings.ToLower(s.Symptom)

		switch {
		case containsAny(label, criticalSymptoms):
			if s.Severity == SeverityCritical {
				score += 40
			} else {
				score += 30
			}
			reasons = append(reasons, fmt.Sprintf("Critical symptom: %s (%s)", s.Symptom, s.Severity))
		case containsAny(label, urgentSymptoms):
			if s.Severity == SeveritySevere {
				score += 25
			} else {
				score += 15
			}
			reasons = append(reasons, fmt.Sprintf("Urgent symptom: %s (%s)", s.Symptom, s.Severity))
		default:
			switch s.Severity {
			case SeverityCritical:
				score += 20
			case SeveritySevere:
				score += 12
			case SeverityModerate:
				score += 6
			default:
				score += 2
			}
			if s.Severity != SeverityMild {
				reasons = append(reasons, fmt.Sprintf("%s %s", s.Severity, s.Symptom))
			}
		}
	}

	return score, reasons
}

func riskFactorsScore(factors []RiskFactor, age *int) (int, []string) {
	score := 0
	var reasons []string

	if age != nil {
		a := *age
		switch {
		case a < 1:
			score += 15
			reasons = append(reasons, "Infant - high risk")
		case a < 5 || a > 75:
			score += 10
			reasons = append(reasons, fmt.Sprintf("Age-related risk: %d years", a))
		case a > 65:
			score += 5
			reasons = append(reasons, fmt.Sprintf("Elderly patient: %d years", a))
		}
	}

	for _, f := range factors {
		if containsAny(strings.ToLower(f.Factor), highRiskConditions) {
			score += 12
			reasons = append(reasons, "High-risk condition: "+f.Factor)
		} else {
			score += 5
			reasons = append(reasons, "Risk factor: "+f.Factor)
		}
	}

	return score, reasons
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func bloodPressure(systolic float64, diastolic *float64) string {
	if diastolic == nil {
		return num(systolic) + " mmHg"
	}
	return num(systolic) + "/" + num(*diastolic) + " mmHg"
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
