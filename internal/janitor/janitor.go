// Package janitor runs the broker's recurring maintenance: rate-limit
// eviction, invite expiry sweeps, and ledger retention. Everything here
// is best-effort; a failed run logs and waits for the next tick.
package janitor

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tryloop/demobroker/internal/invite"
	"github.com/tryloop/demobroker/internal/ledger"
	"github.com/tryloop/demobroker/internal/ratelimit"
)

type Janitor struct {
	cron     *cron.Cron
	invites  *invite.Store
	ledger   *ledger.Ledger
	limiters []*ratelimit.Limiter
}

func New(invites *invite.Store, led *ledger.Ledger, limiters ...*ratelimit.Limiter) *Janitor {
	return &Janitor{
		cron:     cron.New(),
		invites:  invites,
		ledger:   led,
		limiters: limiters,
	}
}

// Start registers the schedules and begins running them.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 1m", j.sweepLimiters); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@every 10m", j.sweepInvites); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@daily", j.purgeLedger); err != nil {
		return err
	}
	j.cron.Start()
	log.Println("[janitor] schedules started")
	return nil
}

// Stop halts the schedules and waits for running jobs to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweepLimiters() {
	total := 0
	for _, l := range j.limiters {
		total += l.Sweep()
	}
	if total > 0 {
		log.Printf("[janitor] evicted %d idle rate-limit entries", total)
	}
}

func (j *Janitor) sweepInvites() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := j.invites.SweepExpired(ctx)
	if err != nil {
		log.Printf("[janitor] invite sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[janitor] marked %d invites expired", n)
	}
}

func (j *Janitor) purgeLedger() {
	if _, err := j.ledger.PurgeOlderThan(0); err != nil {
		log.Printf("[janitor] ledger purge: %v", err)
	}
}
