package patient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/db"
)

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, hospital_id, patient_id, name, age, gender, contact, chief_complaint,
	priority, triage_score, status, arrival_time, triage_time, treatment_start_time,
	discharge_time, escalated, doctor_notes, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.HospitalID, &p.MRN, &p.Name, &p.Age, &p.Gender, &p.Contact, &p.ChiefComplaint,
		&p.Priority, &p.TriageScore, &p.Status, &p.ArrivalTime, &p.TriageTime, &p.TreatmentStartTime,
		&p.DischargeTime, &p.Escalated, &p.DoctorNotes, &p.CreatedAt, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *patientRepoPG) HospitalExists(ctx context.Context, hospitalID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM hospitals WHERE id = $1 AND is_active)`, hospitalID).Scan(&ok)
	return ok, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, hospital_id, patient_id, name, age, gender, contact, chief_complaint,
			priority, triage_score, status, arrival_time, triage_time, escalated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		p.ID, p.HospitalID, p.MRN, p.Name, p.Age, p.Gender, p.Contact, p.ChiefComplaint,
		p.Priority, p.TriageScore, p.Status, p.ArrivalTime, p.TriageTime, p.Escalated,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1 FOR UPDATE`, id))
}

func (r *patientRepoPG) UpdatePriority(ctx context.Context, id uuid.UUID, priority triage.Priority) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patients SET priority = $2, escalated = TRUE, updated_at = NOW() WHERE id = $1`, id, priority)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) UpdateStatus(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET status = $2, treatment_start_time = $3, discharge_time = $4, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.Status, p.TreatmentStartTime, p.DischargeTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patients SET doctor_notes = $2, updated_at = NOW() WHERE id = $1`, id, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const priorityOrder = `CASE priority WHEN 'RED' THEN 1 WHEN 'YELLOW' THEN 2 WHEN 'GREEN' THEN 3 WHEN 'BLUE' THEN 4 END`

func (r *patientRepoPG) ListByStatus(ctx context.Context, hospitalID *uuid.UUID, statuses []Status) ([]*Patient, error) {
	query := `SELECT ` + patientCols + ` FROM patients WHERE status = ANY($1)`
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	args := []interface{}{names}
	if hospitalID != nil {
		query += ` AND hospital_id = $2`
		args = append(args, *hospitalID)
	}
	query += ` ORDER BY ` + priorityOrder + `, arrival_time ASC`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// =========== Observation Repository ===========

type observationRepoPG struct{ pool *pgxpool.Pool }

func NewObservationRepoPG(pool *pgxpool.Pool) ObservationRepository {
	return &observationRepoPG{pool: pool}
}

func (r *observationRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const vitalsCols = `id, patient_id, heart_rate, respiratory_rate, systolic_bp, diastolic_bp,
	temperature, oxygen_saturation, consciousness, recorded_at`

func scanVitals(row pgx.Row) (*VitalsRecord, error) {
	var v VitalsRecord
	err := row.Scan(&v.ID, &v.PatientID, &v.Vitals.HeartRate, &v.Vitals.RespiratoryRate,
		&v.Vitals.SystolicBP, &v.Vitals.DiastolicBP, &v.Vitals.Temperature,
		&v.Vitals.OxygenSaturation, &v.Vitals.Consciousness, &v.RecordedAt)
	return &v, err
}

func (r *observationRepoPG) AddVitals(ctx context.Context, v *VitalsRecord) error {
	v.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vital_signs (`+vitalsCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		v.ID, v.PatientID, v.Vitals.HeartRate, v.Vitals.RespiratoryRate,
		v.Vitals.SystolicBP, v.Vitals.DiastolicBP, v.Vitals.Temperature,
		v.Vitals.OxygenSaturation, v.Vitals.Consciousness, v.RecordedAt)
	return err
}

func (r *observationRepoPG) ListVitals(ctx context.Context, patientID uuid.UUID) ([]*VitalsRecord, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+vitalsCols+` FROM vital_signs WHERE patient_id = $1 ORDER BY recorded_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VitalsRecord
	for rows.Next() {
		v, err := scanVitals(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *observationRepoPG) LatestVitals(ctx context.Context, patientIDs []uuid.UUID) (map[uuid.UUID]*VitalsRecord, error) {
	out := make(map[uuid.UUID]*VitalsRecord, len(patientIDs))
	if len(patientIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (patient_id) `+vitalsCols+`
		FROM vital_signs WHERE patient_id = ANY($1)
		ORDER BY patient_id, recorded_at DESC`, patientIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanVitals(rows)
		if err != nil {
			return nil, err
		}
		out[v.PatientID] = v
	}
	return out, rows.Err()
}

func (r *observationRepoPG) AddSymptoms(ctx context.Context, patientID uuid.UUID, symptoms []triage.Symptom) error {
	if len(symptoms) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range symptoms {
		batch.Queue(`INSERT INTO symptoms (id, patient_id, symptom, severity) VALUES ($1,$2,$3,$4)`,
			uuid.New(), patientID, s.Symptom, s.Severity)
	}
	return r.sendBatch(ctx, batch)
}

func (r *observationRepoPG) ListSymptoms(ctx context.Context, patientIDs []uuid.UUID) (map[uuid.UUID][]*SymptomRecord, error) {
	out := make(map[uuid.UUID][]*SymptomRecord, len(patientIDs))
	if len(patientIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, symptom, severity, created_at
		FROM symptoms WHERE patient_id = ANY($1) ORDER BY created_at, id`, patientIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s SymptomRecord
		if err := rows.Scan(&s.ID, &s.PatientID, &s.Symptom, &s.Severity, &s.CreatedAt); err != nil {
			return nil, err
		}
		out[s.PatientID] = append(out[s.PatientID], &s)
	}
	return out, rows.Err()
}

func (r *observationRepoPG) AddRiskFactors(ctx context.Context, patientID uuid.UUID, factors []triage.RiskFactor) error {
	if len(factors) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range factors {
		var category *string
		if f.Category != "" {
			c := f.Category
			category = &c
		}
		batch.Queue(`INSERT INTO risk_factors (id, patient_id, factor, category) VALUES ($1,$2,$3,$4)`,
			uuid.New(), patientID, f.Factor, category)
	}
	return r.sendBatch(ctx, batch)
}

func (r *observationRepoPG) ListRiskFactors(ctx context.Context, patientID uuid.UUID) ([]*RiskFactorRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, factor, category, created_at
		FROM risk_factors WHERE patient_id = $1 ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RiskFactorRecord
	for rows.Next() {
		var f RiskFactorRecord
		if err := rows.Scan(&f.ID, &f.PatientID, &f.Factor, &f.Category, &f.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &f)
	}
	return items, rows.Err()
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func (r *observationRepoPG) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	var sender batchSender = r.pool
	if tx, ok := db.ConnFromContext(ctx).(batchSender); ok {
		sender = tx
	}
	results := sender.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("batch insert %d: %w", i, err)
		}
	}
	return results.Close()
}

// =========== History Repository ===========

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository { return &historyRepoPG{pool: pool} }

func (r *historyRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *historyRepoPG) Append(ctx context.Context, h *HistoryEntry) error {
	h.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO triage_history (id, patient_id, old_priority, new_priority, reason, auto_escalated, triggered_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.PatientID, h.OldPriority, h.NewPriority, h.Reason, h.AutoEscalated, h.TriggeredBy, h.ChangedAt)
	return err
}

func (r *historyRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, old_priority, new_priority, reason, auto_escalated, triggered_by, changed_at
		FROM triage_history WHERE patient_id = $1 ORDER BY changed_at ASC, id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.PatientID, &h.OldPriority, &h.NewPriority, &h.Reason,
			&h.AutoEscalated, &h.TriggeredBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

// =========== Alert Repository ===========

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewAlertRepoPG(pool *pgxpool.Pool) AlertRepository { return &alertRepoPG{pool: pool} }

func (r *alertRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const alertCols = `id, hospital_id, patient_id, type, severity, message, acknowledged,
	acknowledged_by, acknowledged_at, created_at`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.HospitalID, &a.PatientID, &a.Type, &a.Severity, &a.Message,
		&a.Acknowledged, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.CreatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *alertRepoPG) Create(ctx context.Context, a *Alert) error {
	a.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO alerts (id, hospital_id, patient_id, type, severity, message)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		a.ID, a.HospitalID, a.PatientID, a.Type, a.Severity, a.Message,
	).Scan(&a.CreatedAt)
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM alerts WHERE id = $1`, id))
}

func (r *alertRepoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, includeAcknowledged bool, limit, offset int) ([]*Alert, int, error) {
	where := ` WHERE hospital_id = $1`
	if !includeAcknowledged {
		where += ` AND NOT acknowledged`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM alerts`+where, hospitalID).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, `SELECT `+alertCols+` FROM alerts`+where+` ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		hospitalID, limit, offset)
	return items, total, err
}

func (r *alertRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Alert, error) {
	return r.list(ctx, `SELECT `+alertCols+` FROM alerts WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
}

func (r *alertRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Alert, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *alertRepoPG) Acknowledge(ctx context.Context, id uuid.UUID, by string) (*Alert, error) {
	return scanAlert(r.conn(ctx).QueryRow(ctx, `
		UPDATE alerts SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = NOW()
		WHERE id = $1
		RETURNING `+alertCols, id, by))
}

// =========== Prediction Repository ===========

type predictionRepoPG struct{ pool *pgxpool.Pool }

func NewPredictionRepoPG(pool *pgxpool.Pool) PredictionRepository { return &predictionRepoPG{pool: pool} }

func (r *predictionRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *predictionRepoPG) Create(ctx context.Context, p *Prediction) error {
	reasoning, err := json.Marshal(p.Reasoning)
	if err != nil {
		return fmt.Errorf("marshal reasoning: %w", err)
	}
	shap, err := json.Marshal(p.ShapValues)
	if err != nil {
		return fmt.Errorf("marshal shap values: %w", err)
	}
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ai_predictions (id, patient_id, model_version, risk_score, deterioration_probability,
			predicted_priority, predicted_escalation_time, confidence, reasoning, shap_values)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		p.ID, p.PatientID, p.ModelVersion, p.RiskScore, p.DeteriorationProbability,
		strings.ToUpper(p.PredictedPriority), p.PredictedEscalationTime, p.Confidence, string(reasoning), string(shap),
	).Scan(&p.CreatedAt)
}

func (r *predictionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Prediction, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, model_version, risk_score, deterioration_probability, predicted_priority,
			predicted_escalation_time, confidence, reasoning, shap_values, created_at
		FROM ai_predictions WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Prediction
	for rows.Next() {
		var p Prediction
		if err := rows.Scan(&p.ID, &p.PatientID, &p.ModelVersion, &p.RiskScore, &p.DeteriorationProbability,
			&p.PredictedPriority, &p.PredictedEscalationTime, &p.Confidence, &p.Reasoning, &p.ShapValues,
			&p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}
