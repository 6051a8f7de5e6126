package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the daily reset on a cron expression.
type Scheduler struct {
	ledger *Ledger
	cron   *cron.Cron
}

// NewScheduler validates spec (five-field cron) and registers the reset job.
func NewScheduler(ledger *Ledger, spec string, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithLocation(loc))
	s := &Scheduler{ledger: ledger, cron: c}
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("parse reset schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reset, err := s.ledger.ResetAll(ctx)
	switch {
	case err != nil:
		log.Printf("quota reset failed: %v", err)
	case reset:
		log.Printf("quota reset: daily usage cleared")
	default:
		log.Printf("quota reset skipped: window already reset")
	}
}

// Start launches the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running reset to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next reports the next scheduled reset time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
