package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func avpu(c Consciousness) *Consciousness { return &c }

func age(n int) *int { return &n }

func TestCalculatePriority_ChestPainWithHypoxia(t *testing.T) {
	res := CalculatePriority(Input{
		VitalSigns: VitalSigns{HeartRate: f(125), OxygenSaturation: f(88)},
		Symptoms:   []Symptom{{Symptom: "Chest Pain", Severity: SeverityCritical}},
	})

	assert.Equal(t, 90, res.Score)
	assert.Equal(t, PriorityRed, res.Priority)
	assert.Equal(t, []string{
		"Abnormal heart rate: 125 bpm",
		"Critical oxygen saturation: 88%",
		"Critical symptom: Chest Pain (critical)",
	}, res.Reasons)
	assert.Equal(t, []string{
		"IMMEDIATE medical intervention required",
		"Prepare resuscitation equipment",
		"Alert senior physician",
	}, res.RecommendedActions)
}

func TestCalculatePriority_MildHeadache(t *testing.T) {
	res := CalculatePriority(Input{
		Symptoms: []Symptom{{Symptom: "Headache", Severity: SeverityMild}},
	})

	assert.Equal(t, 2, res.Score)
	assert.Equal(t, PriorityBlue, res.Priority)
	assert.Empty(t, res.Reasons)
}

func TestCalculatePriority_NormalHeartRate(t *testing.T) {
	res := CalculatePriority(Input{VitalSigns: VitalSigns{HeartRate: f(95)}})

	assert.Equal(t, 0, res.Score)
	assert.Equal(t, PriorityBlue, res.Priority)
}

func TestCalculatePriority_EmptyInput(t *testing.T) {
	res := CalculatePriority(Input{})

	assert.Equal(t, 0, res.Score)
	assert.Equal(t, PriorityBlue, res.Priority)
	assert.NotNil(t, res.Reasons)
	assert.Equal(t, []string{"Minor condition - can wait", "Self-care advice applicable"}, res.RecommendedActions)
}

func TestCalculatePriority_ReasonOrder(t *testing.T) {
	res := CalculatePriority(Input{
		VitalSigns:  VitalSigns{Temperature: f(38.5)},
		Symptoms:    []Symptom{{Symptom: "Broken bone in left arm", Severity: SeveritySevere}},
		RiskFactors: []RiskFactor{{Factor: "Type 2 Diabetes", Category: "medical"}},
		Age:         age(70),
	})

	// 8 + 25 + 5 + 12
	assert.Equal(t, 50, res.Score)
	assert.Equal(t, PriorityYellow, res.Priority)
	assert.Equal(t, []string{
		"Fever: 38.5°C",
		"Urgent symptom: Broken bone in left arm (severe)",
		"Elderly patient: 70 years",
		"High-risk condition: Type 2 Diabetes",
	}, res.Reasons)
}

func TestCalculatePriority_Deterministic(t *testing.T) {
	in := Input{
		VitalSigns: VitalSigns{
			HeartRate: f(130), RespiratoryRate: f(26), SystolicBP: f(85), DiastolicBP: f(50),
			Temperature: f(39.5), OxygenSaturation: f(93), Consciousness: avpu(ConsciousnessVerbal),
		},
		Symptoms: []Symptom{
			{Symptom: "seizure", Severity: SeveritySevere},
			{Symptom: "nausea", Severity: SeverityModerate},
		},
		RiskFactors: []RiskFactor{{Factor: "smoker"}},
		Age:         age(3),
	}

	first := CalculatePriority(in)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, CalculatePriority(in))
	}
}

func TestCalculatePriority_Tiers(t *testing.T) {
	tests := []struct {
		score int
		want  Priority
	}{
		{0, PriorityBlue},
		{19, PriorityBlue},
		{20, PriorityGreen},
		{49, PriorityGreen},
		{50, PriorityYellow},
		{79, PriorityYellow},
		{80, PriorityRed},
		{500, PriorityRed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PriorityForScore(tt.score), "score %d", tt.score)
	}
}

func TestVitalSignsScore_Bands(t *testing.T) {
	tests := []struct {
		name   string
		vitals VitalSigns
		score  int
		reason string
	}{
		{"hr critical low", VitalSigns{HeartRate: f(35)}, 30, "Critical heart rate: 35 bpm"},
		{"hr critical high", VitalSigns{HeartRate: f(150)}, 30, "Critical heart rate: 150 bpm"},
		{"hr abnormal low", VitalSigns{HeartRate: f(45)}, 20, "Abnormal heart rate: 45 bpm"},
		{"hr elevated", VitalSigns{HeartRate: f(105)}, 10, "Elevated heart rate: 105 bpm"},
		{"hr boundary 140", VitalSigns{HeartRate: f(140)}, 20, "Abnormal heart rate: 140 bpm"},
		{"rr critical", VitalSigns{RespiratoryRate: f(6)}, 30, "Critical respiratory rate: 6/min"},
		{"rr abnormal", VitalSigns{RespiratoryRate: f(25)}, 20, "Abnormal respiratory rate: 25/min"},
		{"rr elevated", VitalSigns{RespiratoryRate: f(11)}, 10, "Elevated respiratory rate: 11/min"},
		{"bp critical", VitalSigns{SystolicBP: f(85), DiastolicBP: f(55)}, 30, "Critical blood pressure: 85/55 mmHg"},
		{"bp abnormal", VitalSigns{SystolicBP: f(190), DiastolicBP: f(100)}, 20, "Abnormal blood pressure: 190/100 mmHg"},
		{"bp elevated", VitalSigns{SystolicBP: f(150)}, 10, "Elevated blood pressure: 150 mmHg"},
		{"spo2 critical", VitalSigns{OxygenSaturation: f(85)}, 30, "Critical oxygen saturation: 85%"},
		{"spo2 low", VitalSigns{OxygenSaturation: f(92)}, 20, "Low oxygen saturation: 92%"},
		{"spo2 reduced", VitalSigns{OxygenSaturation: f(95)}, 10, "Reduced oxygen saturation: 95%"},
		{"temp critical", VitalSigns{Temperature: f(34.2)}, 25, "Critical temperature: 34.2°C"},
		{"temp abnormal", VitalSigns{Temperature: f(39.4)}, 15, "Abnormal temperature: 39.4°C"},
		{"fever", VitalSigns{Temperature: f(38.2)}, 8, "Fever: 38.2°C"},
		{"unresponsive", VitalSigns{Consciousness: avpu(ConsciousnessUnresponsive)}, 40, "Patient unresponsive - CRITICAL"},
		{"pain", VitalSigns{Consciousness: avpu(ConsciousnessPain)}, 25, "Responds only to pain"},
		{"verbal", VitalSigns{Consciousness: avpu(ConsciousnessVerbal)}, 15, "Responds to verbal stimuli"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, reasons := VitalSignsScore(tt.vitals)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, []string{tt.reason}, reasons)
		})
	}
}

func TestVitalSignsScore_NormalValuesScoreZero(t *testing.T) {
	score, reasons := VitalSignsScore(VitalSigns{
		HeartRate: f(72), RespiratoryRate: f(16), SystolicBP: f(120), DiastolicBP: f(80),
		Temperature: f(37), OxygenSaturation: f(98), Consciousness: avpu(ConsciousnessAlert),
	})
	assert.Zero(t, score)
	assert.Empty(t, reasons)
}

// Low-normal systolic pressure and low-normal temperature have no elevated band.
func TestVitalSignsScore_UpperOnlyElevatedBands(t *testing.T) {
	score, _ := VitalSignsScore(VitalSigns{SystolicBP: f(105), Temperature: f(36.2)})
	assert.Zero(t, score)
}

func TestVitalSignsScore_Monotonic(t *testing.T) {
	sweep := func(name string, from, to, step float64, build func(float64) VitalSigns) {
		t.Run(name, func(t *testing.T) {
			prev := -1
			for v := from; v <= to; v += step {
				score, _ := VitalSignsScore(build(v))
				require.GreaterOrEqual(t, score, prev, "value %v", v)
				prev = score
			}
		})
	}

	// Each sweep moves away from normal.
	sweep("heart rate up", 80, 200, 1, func(v float64) VitalSigns { return VitalSigns{HeartRate: &v} })
	sweep("heart rate down", -80, -20, 1, func(v float64) VitalSigns { x := -v; return VitalSigns{HeartRate: &x} })
	sweep("resp rate up", 16, 50, 1, func(v float64) VitalSigns { return VitalSigns{RespiratoryRate: &v} })
	sweep("systolic up", 120, 260, 1, func(v float64) VitalSigns { return VitalSigns{SystolicBP: &v} })
	sweep("systolic down", -120, -50, 1, func(v float64) VitalSigns { x := -v; return VitalSigns{SystolicBP: &x} })
	sweep("spo2 down", -100, -70, 1, func(v float64) VitalSigns { x := -v; return VitalSigns{OxygenSaturation: &x} })
	sweep("temp up", 37, 43, 0.1, func(v float64) VitalSigns { return VitalSigns{Temperature: &v} })
	sweep("temp down", -37, -30, 0.1, func(v float64) VitalSigns { x := -v; return VitalSigns{Temperature: &x} })

	t.Run("consciousness", func(t *testing.T) {
		prev := -1
		for _, c := range []Consciousness{ConsciousnessAlert, ConsciousnessVerbal, ConsciousnessPain, ConsciousnessUnresponsive} {
			score, _ := VitalSignsScore(VitalSigns{Consciousness: avpu(c)})
			require.Greater(t, score, prev, c)
			prev = score
		}
	})
}

func TestSymptomsScore(t *testing.T) {
	tests := []struct {
		name    string
		symptom Symptom
		score   int
		reasons []string
	}{
		{"critical keyword critical severity", Symptom{"Seizure activity", SeverityCritical}, 40, []string{"Critical symptom: Seizure activity (critical)"}},
		{"critical keyword other severity", Symptom{"DIFFICULTY BREATHING", SeverityModerate}, 30, []string{"Critical symptom: DIFFICULTY BREATHING (moderate)"}},
		{"urgent keyword severe", Symptom{"high fever since morning", SeveritySevere}, 25, []string{"Urgent symptom: high fever since morning (severe)"}},
		{"urgent keyword mild", Symptom{"Broken bone", SeverityMild}, 15, []string{"Urgent symptom: Broken bone (mild)"}},
		{"unmatched critical", Symptom{"rash", SeverityCritical}, 20, []string{"critical rash"}},
		{"unmatched severe", Symptom{"back ache", SeveritySevere}, 12, []string{"severe back ache"}},
		{"unmatched moderate", Symptom{"cough", SeverityModerate}, 6, []string{"moderate cough"}},
		{"unmatched mild", Symptom{"sore throat", SeverityMild}, 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, reasons := symptomsScore([]Symptom{tt.symptom})
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.reasons, reasons)
		})
	}
}

func TestRiskFactorsScore(t *testing.T) {
	tests := []struct {
		name    string
		age     *int
		factors []RiskFactor
		score   int
		reasons []string
	}{
		{"infant", age(0), nil, 15, []string{"Infant - high risk"}},
		{"toddler", age(3), nil, 10, []string{"Age-related risk: 3 years"}},
		{"very old", age(80), nil, 10, []string{"Age-related risk: 80 years"}},
		{"elderly", age(66), nil, 5, []string{"Elderly patient: 66 years"}},
		{"adult", age(40), nil, 0, nil},
		{"boundary 65", age(65), nil, 0, nil},
		{"boundary 75", age(75), nil, 5, []string{"Elderly patient: 75 years"}},
		{"no age", nil, nil, 0, nil},
		{
			"factors",
			nil,
			[]RiskFactor{{Factor: "Cardiac history"}, {Factor: "smoker", Category: "lifestyle"}},
			17,
			[]string{"High-risk condition: Cardiac history", "Risk factor: smoker"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, reasons := riskFactorsScore(tt.factors, tt.age)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.reasons, reasons)
		})
	}
}

func TestRecommendedActions_ReturnsCopy(t *testing.T) {
	a := RecommendedActions(PriorityGreen)
	a[0] = "changed"
	assert.Equal(t, "Standard care - within 2 hours", RecommendedActions(PriorityGreen)[0])
}
