package patient

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/mlclient"
)

// Status is where a patient is in the department flow. Only waiting
// patients are considered for automatic escalation.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusInTreatment Status = "in_treatment"
	StatusDischarged  Status = "discharged"
	StatusAdmitted    Status = "admitted"
	StatusReferred    Status = "referred"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInTreatment, StatusDischarged, StatusAdmitted, StatusReferred:
		return true
	}
	return false
}

// Terminal reports whether the patient has left the department.
func (s Status) Terminal() bool {
	return s == StatusDischarged || s == StatusAdmitted || s == StatusReferred
}

// CanTransitionTo allows waiting -> anything else, in_treatment -> a
// terminal status, and nothing out of a terminal status.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.Valid() || s == next || s.Terminal() {
		return false
	}
	if s == StatusInTreatment {
		return next.Terminal()
	}
	return s == StatusWaiting
}

// Patient maps to the patients table.
type Patient struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	HospitalID         uuid.UUID       `db:"hospital_id" json:"hospital_id"`
	MRN                string          `db:"patient_id" json:"patient_id"`
	Name               *string         `db:"name" json:"name,omitempty"`
	Age                *int            `db:"age" json:"age,omitempty"`
	Gender             *string         `db:"gender" json:"gender,omitempty"`
	Contact            *string         `db:"contact" json:"contact,omitempty"`
	ChiefComplaint     *string         `db:"chief_complaint" json:"chief_complaint,omitempty"`
	Priority           triage.Priority `db:"priority" json:"priority"`
	TriageScore        int             `db:"triage_score" json:"triage_score"`
	Status             Status          `db:"status" json:"status"`
	ArrivalTime        time.Time       `db:"arrival_time" json:"arrival_time"`
	TriageTime         *time.Time      `db:"triage_time" json:"triage_time,omitempty"`
	TreatmentStartTime *time.Time      `db:"treatment_start_time" json:"treatment_start_time,omitempty"`
	DischargeTime      *time.Time      `db:"discharge_time" json:"discharge_time,omitempty"`
	Escalated          bool            `db:"escalated" json:"escalated"`
	DoctorNotes        *string         `db:"doctor_notes" json:"doctor_notes,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// WaitingMinutes is the whole number of minutes since arrival, measured up
// to the moment the patient stopped waiting.
func (p *Patient) WaitingMinutes(now time.Time) int {
	end := now
	switch {
	case p.TreatmentStartTime != nil:
		end = *p.TreatmentStartTime
	case p.DischargeTime != nil:
		end = *p.DischargeTime
	}
	m := int(end.Sub(p.ArrivalTime) / time.Minute)
	if m < 0 {
		return 0
	}
	return m
}

// VitalsRecord maps to the vital_signs table.
type VitalsRecord struct {
	ID         uuid.UUID         `db:"id" json:"id"`
	PatientID  uuid.UUID         `db:"patient_id" json:"patient_id"`
	Vitals     triage.VitalSigns `json:"vitals"`
	RecordedAt time.Time         `db:"recorded_at" json:"recorded_at"`
}

// SymptomRecord maps to the symptoms table.
type SymptomRecord struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	PatientID uuid.UUID       `db:"patient_id" json:"patient_id"`
	Symptom   string          `db:"symptom" json:"symptom"`
	Severity  triage.Severity `db:"severity" json:"severity"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// RiskFactorRecord maps to the risk_factors table.
type RiskFactorRecord struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Factor    string    `db:"factor" json:"factor"`
	Category  *string   `db:"category" json:"category,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HistoryEntry maps to the triage_history table. OldPriority is nil for the
// initial triage.
type HistoryEntry struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	PatientID     uuid.UUID        `db:"patient_id" json:"patient_id"`
	OldPriority   *triage.Priority `db:"old_priority" json:"old_priority"`
	NewPriority   triage.Priority  `db:"new_priority" json:"new_priority"`
	Reason        string           `db:"reason" json:"reason"`
	AutoEscalated bool             `db:"auto_escalated" json:"auto_escalated"`
	TriggeredBy   *string          `db:"triggered_by" json:"triggered_by,omitempty"`
	ChangedAt     time.Time        `db:"changed_at" json:"changed_at"`
}

type AlertType string

const (
	AlertEscalation   AlertType = "escalation"
	AlertCriticalWait AlertType = "critical_wait"
)

type AlertSeverity string

const (
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert maps to the alerts table.
type Alert struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	HospitalID     uuid.UUID     `db:"hospital_id" json:"hospital_id"`
	PatientID      *uuid.UUID    `db:"patient_id" json:"patient_id,omitempty"`
	Type           AlertType     `db:"type" json:"type"`
	Severity       AlertSeverity `db:"severity" json:"severity"`
	Message        string        `db:"message" json:"message"`
	Acknowledged   bool          `db:"acknowledged" json:"acknowledged"`
	AcknowledgedBy *string       `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time    `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// Prediction maps to the ai_predictions table. It is advisory only and
// never changes the stored priority.
type Prediction struct {
	ID                       uuid.UUID          `db:"id" json:"id"`
	PatientID                uuid.UUID          `db:"patient_id" json:"patient_id"`
	ModelVersion             string             `db:"model_version" json:"model_version"`
	RiskScore                float64            `db:"risk_score" json:"risk_score"`
	DeteriorationProbability float64            `db:"deterioration_probability" json:"deterioration_probability"`
	PredictedPriority        string             `db:"predicted_priority" json:"predicted_priority"`
	PredictedEscalationTime  *time.Time         `db:"predicted_escalation_time" json:"predicted_escalation_time,omitempty"`
	Confidence               float64            `db:"confidence" json:"confidence"`
	Reasoning                []string           `db:"reasoning" json:"reasoning"`
	ShapValues               map[string]float64 `db:"shap_values" json:"shap_values,omitempty"`
	CreatedAt                time.Time          `db:"created_at" json:"created_at"`
}

// RegisterRequest is the body of a patient registration.
type RegisterRequest struct {
	// HospitalID defaults to the caller's own hospital when empty.
	HospitalID     uuid.UUID           `json:"hospitalId"`
	MRN            string              `json:"patientId"`
	Name           string              `json:"name,omitempty"`
	Age            *int                `json:"age,omitempty"`
	Gender         string              `json:"gender,omitempty"`
	Contact        string              `json:"contact,omitempty"`
	ChiefComplaint string              `json:"chiefComplaint,omitempty"`
	VitalSigns     triage.VitalSigns   `json:"vitalSigns"`
	Symptoms       []triage.Symptom    `json:"symptoms,omitempty"`
	RiskFactors    []triage.RiskFactor `json:"riskFactors,omitempty"`
}

type RegisterResult struct {
	Patient    *Patient             `json:"patient"`
	Triage     triage.Result        `json:"triage"`
	Prediction *Prediction          `json:"aiPrediction,omitempty"`
	Extraction *mlclient.Extraction `json:"nlpExtraction,omitempty"`
}

// Escalation describes one applied priority change.
type Escalation struct {
	PatientID   uuid.UUID       `json:"patientId"`
	HospitalID  uuid.UUID       `json:"hospitalId"`
	OldPriority triage.Priority `json:"oldPriority"`
	NewPriority triage.Priority `json:"newPriority"`
	Reason      string          `json:"reason"`
	Trigger     string          `json:"trigger"`
}

type VitalsUpdate struct {
	Vitals     *VitalsRecord   `json:"vitals"`
	Decision   triage.Decision `json:"escalation"`
	Escalation *Escalation     `json:"applied,omitempty"`
}

// QueueEntry is a patient as shown on the department queue.
type QueueEntry struct {
	*Patient
	WaitingTimeMinutes int              `json:"waiting_time_minutes"`
	LatestVitals       *VitalsRecord    `json:"latest_vitals,omitempty"`
	Symptoms           []*SymptomRecord `json:"symptoms"`
}

// Record is the full clinical timeline of one patient.
type Record struct {
	Patient     *Patient            `json:"patient"`
	History     []*HistoryEntry     `json:"triage_history"`
	Vitals      []*VitalsRecord     `json:"vital_signs_history"`
	Symptoms    []*SymptomRecord    `json:"symptoms"`
	RiskFactors []*RiskFactorRecord `json:"risk_factors"`
	Alerts      []*Alert            `json:"alerts"`
	Predictions []*Prediction       `json:"ai_predictions"`
}
