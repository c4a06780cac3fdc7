package escalation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/triage/internal/domain/patient"
	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/lock"
)

type fakeTarget struct {
	mu       sync.Mutex
	waiting  []*patient.Patient
	listErr  error
	fail     map[uuid.UUID]error
	escalate map[uuid.UUID]triage.Priority
	calls    []uuid.UUID
	notified map[uuid.UUID]int
	block    chan struct{}
	entered  chan struct{}
}

func newFakeTarget(waiting ...*patient.Patient) *fakeTarget {
	return &fakeTarget{
		waiting:  waiting,
		fail:     map[uuid.UUID]error{},
		escalate: map[uuid.UUID]triage.Priority{},
		notified: map[uuid.UUID]int{},
	}
}

func (f *fakeTarget) ListWaiting(_ context.Context, hospitalID *uuid.UUID) ([]*patient.Patient, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*patient.Patient
	for _, p := range f.waiting {
		if hospitalID == nil || p.HospitalID == *hospitalID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeTarget) EscalateWaiting(_ context.Context, id uuid.UUID) (*patient.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	to, ok := f.escalate[id]
	if !ok {
		return nil, nil
	}
	for _, p := range f.waiting {
		if p.ID == id {
			return &patient.Escalation{PatientID: id, HospitalID: p.HospitalID, OldPriority: p.Priority, NewPriority: to, Trigger: patient.TriggerWait}, nil
		}
	}
	return nil, nil
}

func (f *fakeTarget) NotifyQueueChanged(_ context.Context, hospitalID uuid.UUID, escalated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified[hospitalID] += escalated
}

func waitingPatient(hospital uuid.UUID, p triage.Priority) *patient.Patient {
	return &patient.Patient{ID: uuid.New(), HospitalID: hospital, Priority: p, Status: patient.StatusWaiting}
}

func TestScanOnce_EscalatesAndNotifiesPerHospital(t *testing.T) {
	h1, h2 := uuid.New(), uuid.New()
	a := waitingPatient(h1, triage.PriorityGreen)
	b := waitingPatient(h1, triage.PriorityBlue)
	c := waitingPatient(h2, triage.PriorityYellow)
	d := waitingPatient(h2, triage.PriorityRed)
	target := newFakeTarget(a, b, c, d)
	target.escalate[a.ID] = triage.PriorityYellow
	target.escalate[c.ID] = triage.PriorityRed

	rep, err := NewScanner(target, time.Minute, zerolog.Nop()).ScanOnce(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 4, rep.Checked)
	assert.Len(t, rep.Escalated, 2)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, map[uuid.UUID]int{h1: 1, h2: 1}, target.notified)
}

func TestScanOnce_ContinuesPastFailures(t *testing.T) {
	h := uuid.New()
	a := waitingPatient(h, triage.PriorityGreen)
	b := waitingPatient(h, triage.PriorityGreen)
	target := newFakeTarget(a, b)
	target.fail[a.ID] = errors.New("deadlock detected")
	target.escalate[b.ID] = triage.PriorityYellow

	rep, err := NewScanner(target, time.Minute, zerolog.Nop()).ScanOnce(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Escalated, 1)
	assert.Equal(t, b.ID, rep.Escalated[0].PatientID)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, target.calls)
}

func TestScanOnce_NoNotifyWithoutEscalations(t *testing.T) {
	target := newFakeTarget(waitingPatient(uuid.New(), triage.PriorityBlue))

	rep, err := NewScanner(target, time.Minute, zerolog.Nop()).ScanOnce(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, rep.Escalated)
	assert.Empty(t, target.notified)
}

func TestScanOnce_SingleHospital(t *testing.T) {
	h1, h2 := uuid.New(), uuid.New()
	target := newFakeTarget(waitingPatient(h1, triage.PriorityBlue), waitingPatient(h2, triage.PriorityBlue))

	rep, err := NewScanner(target, time.Minute, zerolog.Nop()).ScanOnce(context.Background(), &h2)

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
}

func TestScanOnce_ListError(t *testing.T) {
	target := newFakeTarget()
	target.listErr = errors.New("connection refused")

	_, err := NewScanner(target, time.Minute, zerolog.Nop()).ScanOnce(context.Background(), nil)

	assert.EqualError(t, err, "connection refused")
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	target := newFakeTarget()
	target.block = make(chan struct{})
	target.entered = make(chan struct{}, 1)
	s := NewScanner(target, time.Minute, zerolog.Nop())

	done := make(chan bool)
	go func() { done <- s.Tick(context.Background()) }()
	<-target.entered

	target.entered = nil
	assert.False(t, s.Tick(context.Background()), "overlapping tick must be skipped")

	close(target.block)
	assert.True(t, <-done)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	released int
}

func (l *fakeLocker) Acquire(context.Context, string, time.Duration) (*lock.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held {
		return nil, nil
	}
	l.held = true
	return &lock.Lease{}, nil
}

func (l *fakeLocker) Release(context.Context, *lock.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

func TestTick_RespectsDistributedLock(t *testing.T) {
	target := newFakeTarget(waitingPatient(uuid.New(), triage.PriorityBlue))
	locker := &fakeLocker{held: true}
	s := NewScanner(target, time.Minute, zerolog.Nop())
	s.SetLocker(locker)

	assert.False(t, s.Tick(context.Background()))
	assert.Empty(t, target.calls)

	locker.held = false
	assert.True(t, s.Tick(context.Background()))
	assert.Len(t, target.calls, 1)
	assert.Equal(t, 1, locker.released)
	assert.False(t, locker.held)
}

func TestTick_ScansWhenLockBackendDown(t *testing.T) {
	target := newFakeTarget(waitingPatient(uuid.New(), triage.PriorityBlue))
	s := NewScanner(target, time.Minute, zerolog.Nop())
	s.SetLocker(&fakeLocker{err: errors.New("redis: connection refused")})

	assert.True(t, s.Tick(context.Background()))
	assert.Len(t, target.calls, 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	target := newFakeTarget(waitingPatient(uuid.New(), triage.PriorityBlue))
	s := NewScanner(target, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.calls) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}

func TestHandler_CheckHospital(t *testing.T) {
	h := uuid.New()
	p := waitingPatient(h, triage.PriorityYellow)
	target := newFakeTarget(p)
	target.escalate[p.ID] = triage.PriorityRed
	handler := NewHandler(NewScanner(target, time.Minute, zerolog.Nop()))

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("hospitalId")
	c.SetParamValues(h.String())

	require.NoError(t, handler.CheckHospital(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"checked":1`)
	assert.Equal(t, 1, target.notified[h])
}
