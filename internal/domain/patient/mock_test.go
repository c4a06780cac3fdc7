package patient

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/events"
	"github.com/ehr/triage/internal/platform/mlclient"
)

// -- In-memory store shared by the mock repositories --

type memStore struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	hospitals   map[uuid.UUID]bool
	patients    map[uuid.UUID]Patient
	vitals      []*VitalsRecord
	symptoms    []*SymptomRecord
	risks       []*RiskFactorRecord
	history     []*HistoryEntry
	alerts      []*Alert
	predictions []*Prediction
	failAlert   error
	commits     int
}

func newMemStore() *memStore {
	return &memStore{hospitals: make(map[uuid.UUID]bool), patients: make(map[uuid.UUID]Patient)}
}

type snapshot struct {
	patients                     map[uuid.UUID]Patient
	vitals, symptoms, risks      int
	history, alerts, predictions int
}

func (s *memStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := make(map[uuid.UUID]Patient, len(s.patients))
	for k, v := range s.patients {
		ps[k] = v
	}
	return snapshot{ps, len(s.vitals), len(s.symptoms), len(s.risks), len(s.history), len(s.alerts), len(s.predictions)}
}

func (s *memStore) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients = snap.patients
	s.vitals = s.vitals[:snap.vitals]
	s.symptoms = s.symptoms[:snap.symptoms]
	s.risks = s.risks[:snap.risks]
	s.history = s.history[:snap.history]
	s.alerts = s.alerts[:snap.alerts]
	s.predictions = s.predictions[:snap.predictions]
}

type txKey struct{}

// InTx serializes transactions, standing in for the row lock, and rolls
// back every write when fn fails.
func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

type mockPatientRepo struct{ s *memStore }

func (m mockPatientRepo) HospitalExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.hospitals[id], nil
}

func (m mockPatientRepo) Create(_ context.Context, p *Patient) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.s.patients[p.ID] = *p
	return nil
}

func (m mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m mockPatientRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, errors.New("GetForUpdate outside transaction")
	}
	return m.GetByID(ctx, id)
}

func (m mockPatientRepo) UpdatePriority(_ context.Context, id uuid.UUID, priority triage.Priority) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.Priority = priority
	p.Escalated = true
	m.s.patients[id] = p
	return nil
}

func (m mockPatientRepo) UpdateStatus(_ context.Context, p *Patient) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.patients[p.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = p.Status
	cur.TreatmentStartTime = p.TreatmentStartTime
	cur.DischargeTime = p.DischargeTime
	m.s.patients[p.ID] = cur
	return nil
}

func (m mockPatientRepo) UpdateNotes(_ context.Context, id uuid.UUID, notes string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.DoctorNotes = &notes
	m.s.patients[id] = p
	return nil
}

func (m mockPatientRepo) ListByStatus(_ context.Context, hospitalID *uuid.UUID, statuses []Status) ([]*Patient, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Patient
	for _, p := range m.s.patients {
		if !want[p.Status] || (hospitalID != nil && p.HospitalID != *hospitalID) {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority.MoreUrgentThan(out[j].Priority)
		}
		return out[i].ArrivalTime.Before(out[j].ArrivalTime)
	})
	return out, nil
}

type mockObservationRepo struct{ s *memStore }

func (m mockObservationRepo) AddVitals(_ context.Context, v *VitalsRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	v.ID = uuid.New()
	m.s.vitals = append(m.s.vitals, v)
	return nil
}

func (m mockObservationRepo) ListVitals(_ context.Context, patientID uuid.UUID) ([]*VitalsRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*VitalsRecord
	for i := len(m.s.vitals) - 1; i >= 0; i-- {
		if m.s.vitals[i].PatientID == patientID {
			out = append(out, m.s.vitals[i])
		}
	}
	return out, nil
}

func (m mockObservationRepo) LatestVitals(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*VitalsRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make(map[uuid.UUID]*VitalsRecord)
	for _, v := range m.s.vitals {
		for _, id := range ids {
			if v.PatientID == id {
				out[id] = v
			}
		}
	}
	return out, nil
}

func (m mockObservationRepo) AddSymptoms(_ context.Context, patientID uuid.UUID, symptoms []triage.Symptom) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, s := range symptoms {
		m.s.symptoms = append(m.s.symptoms, &SymptomRecord{ID: uuid.New(), PatientID: patientID, Symptom: s.Symptom, Severity: s.Severity})
	}
	return nil
}

func (m mockObservationRepo) ListSymptoms(_ context.Context, ids []uuid.UUID) (map[uuid.UUID][]*SymptomRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make(map[uuid.UUID][]*SymptomRecord)
	for _, s := range m.s.symptoms {
		for _, id := range ids {
			if s.PatientID == id {
				out[id] = append(out[id], s)
			}
		}
	}
	return out, nil
}

func (m mockObservationRepo) AddRiskFactors(_ context.Context, patientID uuid.UUID, factors []triage.RiskFactor) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, f := range factors {
		m.s.risks = append(m.s.risks, &RiskFactorRecord{ID: uuid.New(), PatientID: patientID, Factor: f.Factor})
	}
	return nil
}

func (m mockObservationRepo) ListRiskFactors(_ context.Context, patientID uuid.UUID) ([]*RiskFactorRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*RiskFactorRecord
	for _, f := range m.s.risks {
		if f.PatientID == patientID {
			out = append(out, f)
		}
	}
	return out, nil
}

type mockHistoryRepo struct{ s *memStore }

func (m mockHistoryRepo) Append(_ context.Context, h *HistoryEntry) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	h.ID = uuid.New()
	m.s.history = append(m.s.history, h)
	return nil
}

func (m mockHistoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*HistoryEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*HistoryEntry
	for _, h := range m.s.history {
		if h.PatientID == patientID {
			out = append(out, h)
		}
	}
	return out, nil
}

type mockAlertRepo struct{ s *memStore }

func (m mockAlertRepo) Create(_ context.Context, a *Alert) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.failAlert != nil {
		return m.s.failAlert
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	m.s.alerts = append(m.s.alerts, a)
	return nil
}

func (m mockAlertRepo) GetByID(_ context.Context, id uuid.UUID) (*Alert, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.alerts {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m mockAlertRepo) ListByHospital(_ context.Context, hospitalID uuid.UUID, includeAcknowledged bool, limit, offset int) ([]*Alert, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var all []*Alert
	for _, a := range m.s.alerts {
		if a.HospitalID == hospitalID && (includeAcknowledged || !a.Acknowledged) {
			all = append(all, a)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m mockAlertRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Alert, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*Alert
	for _, a := range m.s.alerts {
		if a.PatientID != nil && *a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m mockAlertRepo) Acknowledge(_ context.Context, id uuid.UUID, by string) (*Alert, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.alerts {
		if a.ID == id {
			now := time.Now()
			a.Acknowledged = true
			a.AcknowledgedBy = &by
			a.AcknowledgedAt = &now
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

type mockPredictionRepo struct{ s *memStore }

func (m mockPredictionRepo) Create(_ context.Context, p *Prediction) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p.ID = uuid.New()
	m.s.predictions = append(m.s.predictions, p)
	return nil
}

func (m mockPredictionRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Prediction, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*Prediction
	for _, p := range m.s.predictions {
		if p.PatientID == patientID {
			out = append(out, p)
		}
	}
	return out, nil
}

// -- Event recorder and advisor --

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type stubAdvisor struct {
	prediction *mlclient.Prediction
}

func (a stubAdvisor) PredictDeterioration(context.Context, mlclient.DeteriorationRequest) *mlclient.Prediction {
	return a.prediction
}

func (a stubAdvisor) ExtractComplaint(context.Context, string) *mlclient.Extraction {
	return nil
}

// -- Fixture --

type fixture struct {
	svc      *Service
	store    *memStore
	pub      *recordingPublisher
	hospital uuid.UUID
	clock    time.Time
}

func newFixture() *fixture {
	store := newMemStore()
	hospital := uuid.New()
	store.hospitals[hospital] = true
	f := &fixture{
		store:    store,
		pub:      &recordingPublisher{},
		hospital: hospital,
		clock:    time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(mockPatientRepo{store}, mockObservationRepo{store}, mockHistoryRepo{store},
		mockAlertRepo{store}, mockPredictionRepo{store}, store, triage.NewPolicy(triage.DefaultThresholds()),
		zerolog.Nop())
	f.svc.SetPublisher(f.pub)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}
