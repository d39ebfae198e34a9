package tsstore

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RetentionPolicy configures how long aggregate and tariff-history rows
// are kept before the scheduled sweep deletes them (SPEC_FULL.md
// supplemental feature 1).
type RetentionPolicy struct {
	AggregateMaxAge     time.Duration
	TariffHistoryMaxAge time.Duration
}

// DefaultRetentionPolicy keeps 30 days of aggregates and one year of
// tariff history.
var DefaultRetentionPolicy = RetentionPolicy{
	AggregateMaxAge:     30 * 24 * time.Hour,
	TariffHistoryMaxAge: 365 * 24 * time.Hour,
}

// RetentionScheduler runs the retention sweep on a cron schedule,
// generalizing the teacher's reliance on external cron-triggered
// maintenance (the teacher ships no in-process scheduler; this is an
// ambient concern the pack's robfig/cron/v3 usage elsewhere supplies).
type RetentionScheduler struct {
	store  *Store
	policy RetentionPolicy
	log    *logrus.Entry
	cron   *cron.Cron
}

// NewRetentionScheduler builds a scheduler for store, running the sweep
// per spec (default daily at 03:00).
func NewRetentionScheduler(store *Store, policy RetentionPolicy, spec string, log *logrus.Entry) (*RetentionScheduler, error) {
	if spec == "" {
		spec = "0 3 * * *"
	}
	s := &RetentionScheduler{store: store, policy: policy, log: log, cron: cron.New()}
	if _, err := s.cron.AddFunc(spec, s.runSweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron schedule in the background.
func (s *RetentionScheduler) Start() { s.cron.Start() }

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (s *RetentionScheduler) Stop() { <-s.cron.Stop().Done() }

func (s *RetentionScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	aggCutoff := time.Now().UTC().Add(-s.policy.AggregateMaxAge)
	deleted, err := s.store.DeleteAggregatesOlderThan(ctx, aggCutoff)
	if err != nil {
		s.log.WithError(err).Error("retention sweep: aggregate cleanup failed")
	} else {
		s.log.WithField("deleted", deleted).Info("retention sweep: aggregates pruned")
	}

	tariffCutoff := time.Now().UTC().Add(-s.policy.TariffHistoryMaxAge)
	tDeleted, err := s.store.DeleteTariffHistoryOlderThan(ctx, tariffCutoff)
	if err != nil {
		s.log.WithError(err).Error("retention sweep: tariff history cleanup failed")
	} else {
		s.log.WithField("deleted", tDeleted).Info("retention sweep: tariff history pruned")
	}
}
