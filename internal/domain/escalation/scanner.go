// Package escalation runs the periodic re-evaluation of waiting patients.
package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/domain/patient"
	"github.com/ehr/triage/internal/platform/lock"
	"github.com/ehr/triage/internal/platform/metrics"
)

const lockName = "escalation-scan"

// Target is the patient store the scanner works against. Each
// EscalateWaiting call must re-read and update its patient atomically.
type Target interface {
	ListWaiting(ctx context.Context, hospitalID *uuid.UUID) ([]*patient.Patient, error)
	EscalateWaiting(ctx context.Context, id uuid.UUID) (*patient.Escalation, error)
	NotifyQueueChanged(ctx context.Context, hospitalID uuid.UUID, escalated int)
}

// Locker keeps several instances from scanning at once. A nil lease from
// Acquire means another holder has it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
	Release(ctx context.Context, lease *lock.Lease) error
}

// Report summarises one scan pass.
type Report struct {
	Checked    int                   `json:"checked"`
	Escalated  []*patient.Escalation `json:"escalations"`
	Failed     int                   `json:"failed"`
	StartedAt  time.Time             `json:"startedAt"`
	DurationMS int64                 `json:"durationMs"`
}

type Scanner struct {
	target   Target
	locker   Locker
	interval time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	running sync.Mutex
}

func NewScanner(target Target, interval time.Duration, logger zerolog.Logger) *Scanner {
	return &Scanner{target: target, interval: interval, logger: logger}
}

// SetLocker enables cross-instance exclusion.
func (s *Scanner) SetLocker(l Locker) {
	s.locker = l
}

func (s *Scanner) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Run scans every interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("escalation scanner started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("escalation scanner stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full scan unless a previous pass is still running here or
// on another instance. It reports whether a scan ran.
func (s *Scanner) Tick(ctx context.Context) bool {
	if !s.running.TryLock() {
		s.metrics.ScanSkipped()
		s.logger.Warn().Msg("previous escalation scan still running, skipping tick")
		return false
	}
	defer s.running.Unlock()

	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, lockName, s.interval)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Msg("scan lock unavailable, scanning without it")
		case lease == nil:
			s.metrics.ScanSkipped()
			s.logger.Debug().Msg("escalation scan held by another instance")
			return false
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
					s.logger.Warn().Err(err).Msg("release scan lock")
				}
			}()
		}
	}

	if _, err := s.ScanOnce(ctx, nil); err != nil {
		s.logger.Error().Err(err).Msg("escalation scan failed")
	}
	return true
}

// ScanOnce evaluates every waiting patient, or those of one hospital.
// Per-patient failures are logged and counted; they are retried on the next
// pass. Only a failure to list patients is returned.
func (s *Scanner) ScanOnce(ctx context.Context, hospitalID *uuid.UUID) (*Report, error) {
	start := time.Now()
	rep := &Report{StartedAt: start.UTC(), Escalated: []*patient.Escalation{}}

	waiting, err := s.target.ListWaiting(ctx, hospitalID)
	if err != nil {
		s.metrics.ObserveScan(time.Since(start), 0, 1)
		return nil, err
	}

	perHospital := make(map[uuid.UUID]int)
	for _, p := range waiting {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		esc, err := s.target.EscalateWaiting(ctx, p.ID)
		if err != nil {
			rep.Failed++
			s.logger.Error().Err(err).Str("patient_id", p.ID.String()).Msg("escalation check failed")
			continue
		}
		if esc != nil {
			rep.Escalated = append(rep.Escalated, esc)
			perHospital[esc.HospitalID]++
		}
	}

	for h, n := range perHospital {
		s.target.NotifyQueueChanged(ctx, h, n)
	}

	elapsed := time.Since(start)
	rep.DurationMS = elapsed.Milliseconds()
	s.metrics.ObserveScan(elapsed, len(rep.Escalated), rep.Failed)

	evt := s.logger.Info()
	if rep.Failed > 0 {
		evt = s.logger.Warn()
	}
	evt.Int("checked", rep.Checked).
		Int("escalated", len(rep.Escalated)).
		Int("failed", rep.Failed).
		Dur("duration", elapsed).
		Msg("escalation scan complete")
	return rep, nil
}
