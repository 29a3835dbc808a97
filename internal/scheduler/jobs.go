/**
 * @description
 * Scheduled job implementations for the settlement-service. Each job wraps one
 * maintenance sweep on the application service with logging and a bounded
 * context so a stuck sweep cannot wedge the cron runner.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - internal/app: The application service the sweeps run against.
 */
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/splitwell/settlement-service/internal/app"
)

const jobTimeout = 10 * time.Minute

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service *app.Service
}

// NewJobs creates a new Jobs runner.
func NewJobs(service *app.Service) *Jobs {
	return &Jobs{service: service}
}

// RunDueSettlements settles every recurring expense whose next payment date
// has arrived.
func (j *Jobs) RunDueSettlements() {
	log.Printf("level=info component=scheduler job=due_settlements msg=\"starting due settlement sweep\"")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	created, err := j.service.SettleDueRecurringExpenses(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("level=error component=scheduler job=due_settlements outcome=failed err=%v", err)
		return
	}
	log.Printf("level=info component=scheduler job=due_settlements outcome=done transactions_created=%d", created)
}

// RetryWithheldTransactions re-attempts transfers for withheld transactions
// whose cooldown has elapsed.
func (j *Jobs) RetryWithheldTransactions() {
	log.Printf("level=info component=scheduler job=withheld_retry msg=\"starting withheld retry sweep\"")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.service.ReconcileWithheldTransactions(ctx, 0)
	if err != nil {
		log.Printf("level=error component=scheduler job=withheld_retry outcome=failed err=%v", err)
		return
	}
	log.Printf("level=info component=scheduler job=withheld_retry outcome=done candidates=%d retried=%d skipped=%d already_settled=%d failed=%d",
		summary.Candidates, summary.Retried, summary.Skipped, summary.AlreadySettled, summary.Failed)
}

// PublishReminders emits reminder events for recurring expenses due within the
// lookahead window.
func (j *Jobs) PublishReminders() {
	log.Printf("level=info component=scheduler job=reminders msg=\"starting reminder sweep\"")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	published, err := j.service.PublishSettlementReminders(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("level=error component=scheduler job=reminders outcome=failed err=%v", err)
		return
	}
	log.Printf("level=info component=scheduler job=reminders outcome=done reminders_published=%d", published)
}
