// Package progress implements the pub/sub channel between workers and any
// number of progress consumers. Delivery is best-effort: a slow or absent
// subscriber never blocks the publishing worker.
package progress

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
)

const subscriberBuffer = 64

// Broadcaster fans progress reports out to per-job subscribers. A single
// worker publishes for any given job, and publishing holds the broadcaster
// lock, so delivery order always matches emission order within a job. No
// ordering holds across jobs.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[uuid.UUID][]*subscriber
	log  *observability.Logger
}

type subscriber struct {
	ch     chan domain.ProgressReport
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log *observability.Logger) *Broadcaster {
	return &Broadcaster{
		subs: make(map[uuid.UUID][]*subscriber),
		log:  log.WithComponent("progress"),
	}
}

// Subscribe registers for a job's progress stream. The returned channel
// closes after a terminal report is delivered. The cancel function detaches
// early; it is safe to call more than once.
func (b *Broadcaster) Subscribe(jobID uuid.UUID) (<-chan domain.ProgressReport, func()) {
	sub := &subscriber{ch: make(chan domain.ProgressReport, subscriberBuffer)}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		remaining := b.subs[jobID][:0]
		for _, s := range b.subs[jobID] {
			if s == sub {
				if !s.closed {
					s.closed = true
					close(s.ch)
				}
				continue
			}
			remaining = append(remaining, s)
		}
		if len(remaining) == 0 {
			delete(b.subs, jobID)
		} else {
			b.subs[jobID] = remaining
		}
	}
	return sub.ch, cancel
}

// Publish delivers a report to every subscriber of its job. A subscriber
// whose buffer is full loses the report rather than stalling the worker.
// A terminal report closes the job's streams.
func (b *Broadcaster) Publish(report domain.ProgressReport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[report.JobID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- report:
		default:
			b.log.Warn().
				Str("job_id", report.JobID.String()).
				Str("status", string(report.Status)).
				Msg("Subscriber buffer full, dropping progress report")
		}
	}

	if report.Status.Terminal() {
		for _, sub := range b.subs[report.JobID] {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.subs, report.JobID)
	}
}
