package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/triage/internal/domain/triage"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type PatientRepository interface {
	HospitalExists(ctx context.Context, hospitalID uuid.UUID) (bool, error)
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// GetForUpdate reads the row under a lock held until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error)
	UpdatePriority(ctx context.Context, id uuid.UUID, priority triage.Priority) error
	UpdateStatus(ctx context.Context, p *Patient) error
	UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error
	// ListByStatus orders patients RED first, then by arrival.
	ListByStatus(ctx context.Context, hospitalID *uuid.UUID, statuses []Status) ([]*Patient, error)
}

type ObservationRepository interface {
	AddVitals(ctx context.Context, v *VitalsRecord) error
	ListVitals(ctx context.Context, patientID uuid.UUID) ([]*VitalsRecord, error)
	LatestVitals(ctx context.Context, patientIDs []uuid.UUID) (map[uuid.UUID]*VitalsRecord, error)
	AddSymptoms(ctx context.Context, patientID uuid.UUID, symptoms []triage.Symptom) error
	ListSymptoms(ctx context.Context, patientIDs []uuid.UUID) (map[uuid.UUID][]*SymptomRecord, error)
	AddRiskFactors(ctx context.Context, patientID uuid.UUID, factors []triage.RiskFactor) error
	ListRiskFactors(ctx context.Context, patientID uuid.UUID) ([]*RiskFactorRecord, error)
}

type HistoryRepository interface {
	Append(ctx context.Context, h *HistoryEntry) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*HistoryEntry, error)
}

type AlertRepository interface {
	Create(ctx context.Context, a *Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, includeAcknowledged bool, limit, offset int) ([]*Alert, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Alert, error)
	Acknowledge(ctx context.Context, id uuid.UUID, by string) (*Alert, error)
}

type PredictionRepository interface {
	Create(ctx context.Context, p *Prediction) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Prediction, error)
}

// Transactor runs fn in one database transaction. db.TxManager implements it.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
