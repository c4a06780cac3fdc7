package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/events"
	"github.com/ehr/triage/internal/platform/metrics"
	"github.com/ehr/triage/internal/platform/mlclient"
)

const (
	TriggerWait   = "wait"
	TriggerVitals = "vitals"

	scannerActor = "escalation-scanner"
)

// Advisor is the optional ML service. Both calls return nil when no advice
// is available.
type Advisor interface {
	PredictDeterioration(ctx context.Context, req mlclient.DeteriorationRequest) *mlclient.Prediction
	ExtractComplaint(ctx context.Context, text string) *mlclient.Extraction
}

type Service struct {
	patients     PatientRepository
	observations ObservationRepository
	history      HistoryRepository
	alerts       AlertRepository
	predictions  PredictionRepository
	tx           Transactor
	policy       *triage.Policy
	events       events.Publisher
	advisor      Advisor
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(patients PatientRepository, observations ObservationRepository, history HistoryRepository,
	alerts AlertRepository, predictions PredictionRepository, tx Transactor, policy *triage.Policy,
	logger zerolog.Logger) *Service {
	return &Service{
		patients:     patients,
		observations: observations,
		history:      history,
		alerts:       alerts,
		predictions:  predictions,
		tx:           tx,
		policy:       policy,
		events:       events.Nop{},
		logger:       logger,
		now:          time.Now,
	}
}

// SetPublisher sets where registration, escalation and queue events go.
func (s *Service) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	s.events = p
}

// SetAdvisor attaches the optional ML advisory client.
func (s *Service) SetAdvisor(a Advisor) {
	s.advisor = a
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Policy returns the escalation policy in use.
func (s *Service) Policy() *triage.Policy {
	return s.policy
}

// -- Registration --

var validGenders = map[string]bool{"male": true, "female": true, "other": true}

// Register scores the patient and stores the patient, observations, initial
// history entry and any critical alert in one transaction.
func (s *Service) Register(ctx context.Context, hospitalID uuid.UUID, req *RegisterRequest, actor string) (*RegisterResult, error) {
	in := triage.Input{
		VitalSigns:     req.VitalSigns,
		Symptoms:       req.Symptoms,
		RiskFactors:    req.RiskFactors,
		Age:            req.Age,
		ChiefComplaint: req.ChiefComplaint,
	}
	verr := &triage.ValidationError{}
	if err := triage.Normalize(&in); err != nil {
		errors.As(err, &verr)
	}
	req.MRN = strings.TrimSpace(req.MRN)
	if req.MRN == "" {
		verr.Errors = append(verr.Errors, triage.FieldError{Field: "patientId", Message: "is required"})
	}
	gender := strings.ToLower(strings.TrimSpace(req.Gender))
	if gender != "" && !validGenders[gender] {
		verr.Errors = append(verr.Errors, triage.FieldError{Field: "gender", Message: "must be one of male, female, other"})
	}
	if len(verr.Errors) > 0 {
		return nil, verr
	}

	ok, err := s.patients.HospitalExists(ctx, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("check hospital: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("hospital %s: %w", hospitalID, ErrNotFound)
	}

	result := triage.CalculatePriority(in)
	now := s.now()

	p := &Patient{
		HospitalID:     hospitalID,
		MRN:            req.MRN,
		Name:           optional(req.Name),
		Age:            in.Age,
		Gender:         optional(gender),
		Contact:        optional(req.Contact),
		ChiefComplaint: optional(in.ChiefComplaint),
		Priority:       result.Priority,
		TriageScore:    result.Score,
		Status:         StatusWaiting,
		ArrivalTime:    now,
		TriageTime:     &now,
	}

	out := &RegisterResult{Patient: p, Triage: result}
	var advice *mlclient.Prediction
	if s.advisor != nil {
		out.Extraction = s.advisor.ExtractComplaint(ctx, in.ChiefComplaint)
		advice = s.advisor.PredictDeterioration(ctx, mlclient.DeteriorationRequest{
			VitalSigns:      in.VitalSigns,
			Age:             in.Age,
			CurrentPriority: string(result.Priority),
			Symptoms:        in.Symptoms,
			RiskFactors:     in.RiskFactors,
		})
	}

	var alert *Alert
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.patients.Create(ctx, p); err != nil {
			return fmt.Errorf("create patient: %w", err)
		}
		if err := s.observations.AddVitals(ctx, &VitalsRecord{PatientID: p.ID, Vitals: in.VitalSigns, RecordedAt: now}); err != nil {
			return fmt.Errorf("add vitals: %w", err)
		}
		if err := s.observations.AddSymptoms(ctx, p.ID, in.Symptoms); err != nil {
			return fmt.Errorf("add symptoms: %w", err)
		}
		if err := s.observations.AddRiskFactors(ctx, p.ID, in.RiskFactors); err != nil {
			return fmt.Errorf("add risk factors: %w", err)
		}

		reason := strings.Join(result.Reasons, "; ")
		if reason == "" {
			reason = "Initial triage"
		}
		if err := s.history.Append(ctx, &HistoryEntry{
			PatientID:   p.ID,
			NewPriority: result.Priority,
			Reason:      reason,
			TriggeredBy: optional(actor),
			ChangedAt:   now,
		}); err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		if result.Priority == triage.PriorityRed {
			alert = &Alert{
				HospitalID: hospitalID,
				PatientID:  &p.ID,
				Type:       AlertEscalation,
				Severity:   SeverityCritical,
				Message:    "CRITICAL patient registered: " + strings.Join(result.Reasons, ", "),
			}
			if err := s.alerts.Create(ctx, alert); err != nil {
				return fmt.Errorf("create alert: %w", err)
			}
		}

		if advice != nil {
			out.Prediction = predictionFromAdvice(p.ID, advice)
			if err := s.predictions.Create(ctx, out.Prediction); err != nil {
				return fmt.Errorf("store prediction: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveRegistration(string(p.Priority))
	s.logger.Info().
		Str("patient_id", p.ID.String()).
		Str("hospital_id", hospitalID.String()).
		Str("priority", string(p.Priority)).
		Int("score", result.Score).
		Msg("patient registered")

	room := events.HospitalRoom(hospitalID)
	s.publish(ctx, events.TypePatientRegistered, room, map[string]interface{}{
		"patient": p,
		"triage":  result,
	})
	if alert != nil {
		s.publish(ctx, events.TypeAlertNew, room, alert)
	}
	return out, nil
}

func predictionFromAdvice(patientID uuid.UUID, a *mlclient.Prediction) *Prediction {
	p := &Prediction{
		PatientID:                patientID,
		ModelVersion:             a.ModelVersion,
		RiskScore:                a.RiskScore,
		DeteriorationProbability: a.DeteriorationProbability,
		PredictedPriority:        a.PredictedPriority,
		Confidence:               a.Confidence,
		Reasoning:                a.Reasoning,
		ShapValues:               a.ShapValues,
	}
	if p.ModelVersion == "" {
		p.ModelVersion = "unknown"
	}
	if p.Reasoning == nil {
		p.Reasoning = []string{}
	}
	if a.PredictedEscalationTime != nil {
		if t, err := time.Parse(time.RFC3339, *a.PredictedEscalationTime); err == nil {
			p.PredictedEscalationTime = &t
		}
	}
	return p
}

// -- Reads --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// Queue lists a hospital's patients in priority order. With no statuses it
// lists waiting patients.
func (s *Service) Queue(ctx context.Context, hospitalID uuid.UUID, statuses []Status) ([]*QueueEntry, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusWaiting}
	}
	for _, st := range statuses {
		if !st.Valid() {
			return nil, &triage.ValidationError{Errors: []triage.FieldError{{Field: "status", Message: fmt.Sprintf("unknown status %q", st)}}}
		}
	}

	patients, err := s.patients.ListByStatus(ctx, &hospitalID, statuses)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	ids := make([]uuid.UUID, len(patients))
	for i, p := range patients {
		ids[i] = p.ID
	}
	vitals, err := s.observations.LatestVitals(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("latest vitals: %w", err)
	}
	symptoms, err := s.observations.ListSymptoms(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list symptoms: %w", err)
	}

	now := s.now()
	entries := make([]*QueueEntry, len(patients))
	for i, p := range patients {
		syms := symptoms[p.ID]
		if syms == nil {
			syms = []*SymptomRecord{}
		}
		entries[i] = &QueueEntry{
			Patient:            p,
			WaitingTimeMinutes: p.WaitingMinutes(now),
			LatestVitals:       vitals[p.ID],
			Symptoms:           syms,
		}
	}
	return entries, nil
}

// ListWaiting returns waiting patients, across all hospitals when
// hospitalID is nil.
func (s *Service) ListWaiting(ctx context.Context, hospitalID *uuid.UUID) ([]*Patient, error) {
	return s.patients.ListByStatus(ctx, hospitalID, []Status{StatusWaiting})
}

func (s *Service) History(ctx context.Context, id uuid.UUID) (*Record, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rec := &Record{Patient: p}
	if rec.History, err = s.history.ListByPatient(ctx, id); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	if rec.Vitals, err = s.observations.ListVitals(ctx, id); err != nil {
		return nil, fmt.Errorf("list vitals: %w", err)
	}
	syms, err := s.observations.ListSymptoms(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("list symptoms: %w", err)
	}
	rec.Symptoms = syms[id]
	if rec.RiskFactors, err = s.observations.ListRiskFactors(ctx, id); err != nil {
		return nil, fmt.Errorf("list risk factors: %w", err)
	}
	if rec.Alerts, err = s.alerts.ListByPatient(ctx, id); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	if rec.Predictions, err = s.predictions.ListByPatient(ctx, id); err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	return rec, nil
}

// -- Escalation --

// UpdateVitals records a new set of vitals and, for a waiting patient,
// re-evaluates the escalation policy against them on the locked row.
func (s *Service) UpdateVitals(ctx context.Context, id uuid.UUID, vitals triage.VitalSigns, actor string) (*VitalsUpdate, error) {
	if err := triage.NormalizeVitals(&vitals); err != nil {
		return nil, err
	}

	out := &VitalsUpdate{}
	var alert *Alert
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		out.Vitals = &VitalsRecord{PatientID: id, Vitals: vitals, RecordedAt: now}
		if err := s.observations.AddVitals(ctx, out.Vitals); err != nil {
			return fmt.Errorf("add vitals: %w", err)
		}
		if p.Status != StatusWaiting {
			return nil
		}

		out.Decision = s.policy.ShouldEscalate(p.Priority, p.WaitingMinutes(now), &vitals)
		if !out.Decision.Escalate {
			return nil
		}
		severity := SeverityHigh
		if out.Decision.NewPriority == triage.PriorityRed {
			severity = SeverityCritical
		}
		out.Escalation, alert, err = s.applyEscalation(ctx, p, out.Decision, triggerFor(out.Decision), actor, now, AlertEscalation, severity,
			fmt.Sprintf("Patient escalated from %s to %s: %s", p.Priority, out.Decision.NewPriority, out.Decision.Reason))
		return err
	})
	if err != nil {
		return nil, err
	}

	if out.Escalation != nil {
		s.announceEscalation(ctx, out.Escalation, alert)
	}
	return out, nil
}

// EscalateWaiting applies the wait-time rule to one patient. It returns nil
// when the patient no longer waits or does not need escalating.
func (s *Service) EscalateWaiting(ctx context.Context, id uuid.UUID) (*Escalation, error) {
	var esc *Escalation
	var alert *Alert
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusWaiting {
			return nil
		}
		now := s.now()
		d := s.policy.ShouldEscalate(p.Priority, p.WaitingMinutes(now), nil)
		if !d.Escalate {
			return nil
		}
		esc, alert, err = s.applyEscalation(ctx, p, d, TriggerWait, scannerActor, now, AlertCriticalWait, SeverityHigh,
			"Patient auto-escalated: "+d.Reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	if esc != nil {
		s.announceEscalation(ctx, esc, alert)
	}
	return esc, nil
}

// applyEscalation must run inside a transaction holding the row lock on p.
func (s *Service) applyEscalation(ctx context.Context, p *Patient, d triage.Decision, trigger, actor string,
	now time.Time, alertType AlertType, severity AlertSeverity, message string) (*Escalation, *Alert, error) {
	if !d.NewPriority.MoreUrgentThan(p.Priority) {
		return nil, nil, fmt.Errorf("refusing to move %s from %s to %s", p.ID, p.Priority, d.NewPriority)
	}
	if err := s.patients.UpdatePriority(ctx, p.ID, d.NewPriority); err != nil {
		return nil, nil, fmt.Errorf("update priority: %w", err)
	}
	old := p.Priority
	if err := s.history.Append(ctx, &HistoryEntry{
		PatientID:     p.ID,
		OldPriority:   &old,
		NewPriority:   d.NewPriority,
		Reason:        d.Reason,
		AutoEscalated: true,
		TriggeredBy:   optional(actor),
		ChangedAt:     now,
	}); err != nil {
		return nil, nil, fmt.Errorf("append history: %w", err)
	}
	alert := &Alert{
		HospitalID: p.HospitalID,
		PatientID:  &p.ID,
		Type:       alertType,
		Severity:   severity,
		Message:    message,
	}
	if err := s.alerts.Create(ctx, alert); err != nil {
		return nil, nil, fmt.Errorf("create alert: %w", err)
	}

	p.Priority = d.NewPriority
	p.Escalated = true
	return &Escalation{
		PatientID:   p.ID,
		HospitalID:  p.HospitalID,
		OldPriority: old,
		NewPriority: d.NewPriority,
		Reason:      d.Reason,
		Trigger:     trigger,
	}, alert, nil
}

func triggerFor(d triage.Decision) string {
	if strings.HasPrefix(d.Reason, "Waiting time") {
		return TriggerWait
	}
	return TriggerVitals
}

func (s *Service) announceEscalation(ctx context.Context, esc *Escalation, alert *Alert) {
	s.metrics.ObserveEscalation(esc.Trigger, string(esc.NewPriority))
	s.logger.Warn().
		Str("patient_id", esc.PatientID.String()).
		Str("hospital_id", esc.HospitalID.String()).
		Str("from", string(esc.OldPriority)).
		Str("to", string(esc.NewPriority)).
		Str("trigger", esc.Trigger).
		Str("reason", esc.Reason).
		Msg("patient escalated")

	room := events.HospitalRoom(esc.HospitalID)
	s.publish(ctx, events.TypePatientEscalated, room, esc)
	s.publish(ctx, events.TypeEscalationAlert, events.GovernmentRoom, esc)
	if alert != nil {
		s.publish(ctx, events.TypeAlertNew, room, alert)
	}
}

// NotifyQueueChanged pushes a queue refresh hint to a hospital's room.
func (s *Service) NotifyQueueChanged(ctx context.Context, hospitalID uuid.UUID, escalated int) {
	s.publish(ctx, events.TypeQueueUpdate, events.HospitalRoom(hospitalID), map[string]interface{}{
		"hospitalId":     hospitalID,
		"escalatedCount": escalated,
	})
}

// -- Status and notes --

func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Patient, error) {
	var p *Patient
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.patients.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !p.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
		}
		now := s.now()
		switch {
		case status == StatusInTreatment:
			p.TreatmentStartTime = &now
		case status.Terminal():
			p.DischargeTime = &now
		}
		p.Status = status
		return s.patients.UpdateStatus(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", id.String()).Str("status", string(status)).Msg("patient status updated")
	s.NotifyQueueChanged(ctx, p.HospitalID, 0)
	return p, nil
}

func (s *Service) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) (*Patient, error) {
	if err := s.patients.UpdateNotes(ctx, id, notes); err != nil {
		return nil, err
	}
	return s.patients.GetByID(ctx, id)
}

// -- Alerts --

func (s *Service) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return s.alerts.GetByID(ctx, id)
}

func (s *Service) ListAlerts(ctx context.Context, hospitalID uuid.UUID, includeAcknowledged bool, limit, offset int) ([]*Alert, int, error) {
	return s.alerts.ListByHospital(ctx, hospitalID, includeAcknowledged, limit, offset)
}

// AcknowledgeAlert marks the alert handled. Acknowledging twice keeps the
// first acknowledgement.
func (s *Service) AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) (*Alert, error) {
	a, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Acknowledged {
		return a, nil
	}
	return s.alerts.Acknowledge(ctx, id, by)
}

func (s *Service) publish(ctx context.Context, eventType, room string, payload interface{}) {
	ev, err := events.New(eventType, room, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("build event")
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("room", room).Msg("publish event")
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
