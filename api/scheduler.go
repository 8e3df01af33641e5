/*
scheduler.go - Periodic ledger conservation audit

PURPOSE:
  Periodically recomputes every owner's expected ledger from the journal and
  the Approved applications, and compares it with the stored counters.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Logs each drifting owner at Error and exports the count as the
    leave_ledger_drift_owners gauge

USAGE:
  scheduler := NewAuditScheduler(coordinator, interval)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - leave/audit.go: the conservation check
  - handlers.go: TeamAudit endpoint (on-demand audit for one team)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/logger"
	"github.com/warp/leave-engine/metrics"
)

// AuditScheduler runs the conservation audit on a ticker.
type AuditScheduler struct {
	Leave         *leave.Coordinator
	CheckInterval time.Duration
	Enabled       bool

	log    *logrus.Entry
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAuditScheduler creates a new scheduler. A non-positive interval
// disables it.
func NewAuditScheduler(coord *leave.Coordinator, interval time.Duration) *AuditScheduler {
	return &AuditScheduler{
		Leave:         coord,
		CheckInterval: interval,
		Enabled:       interval > 0,
		log:           logger.New("audit.scheduler"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.log.Info("disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.wg.Add(1)
	go as.run()

	as.log.WithField("interval", as.CheckInterval.String()).Info("started")
}

// Stop stops the scheduler and waits for a running audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.log.Info("stopped")
	}
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	as.RunNow(context.Background())

	for {
		select {
		case <-as.ticker.C:
			as.RunNow(context.Background())
		case <-as.stop:
			return
		}
	}
}

// RunNow audits every owner immediately and returns the drifting results.
func (as *AuditScheduler) RunNow(ctx context.Context) ([]leave.AuditResult, error) {
	results, err := as.Leave.AuditAll(ctx)
	if err != nil {
		as.log.WithError(err).Error("audit failed")
		return nil, err
	}

	var drifting []leave.AuditResult
	for _, r := range results {
		if r.Consistent() {
			continue
		}
		drifting = append(drifting, r)
		for _, t := range r.Types {
			if t.Drift() == 0 {
				continue
			}
			as.log.WithFields(logrus.Fields{
				"owner_id":   r.OwnerID,
				"leave_type": t.LeaveType,
				"expected":   t.Expected,
				"actual":     t.Actual,
				"drift":      t.Drift(),
			}).Error("ledger drift detected")
		}
	}
	metrics.SetLedgerDrift(len(drifting))

	as.log.WithFields(logrus.Fields{"owners": len(results), "drifting": len(drifting)}).Debug("audit completed")
	return drifting, nil
}
