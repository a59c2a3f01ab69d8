package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
)

var _ domain.ProgressSink = (*Broadcaster)(nil)

func report(jobID uuid.UUID, status domain.ProgressStatus, page int) domain.ProgressReport {
	return domain.ProgressReport{
		JobID:       jobID,
		Status:      status,
		CurrentPage: page,
		Timestamp:   time.Now(),
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(observability.Nop())
	jobID := uuid.New()

	ch, cancel := b.Subscribe(jobID)
	defer cancel()

	b.Publish(report(jobID, domain.ProgressStarting, 0))
	b.Publish(report(jobID, domain.ProgressConvertingPage, 1))
	b.Publish(report(jobID, domain.ProgressConvertingPage, 2))
	b.Publish(report(jobID, domain.ProgressCompleted, 2))

	var got []domain.ProgressReport
	for r := range ch {
		got = append(got, r)
	}

	require.Len(t, got, 4)
	assert.Equal(t, domain.ProgressStarting, got[0].Status)
	assert.Equal(t, 1, got[1].CurrentPage)
	assert.Equal(t, 2, got[2].CurrentPage)
	assert.Equal(t, domain.ProgressCompleted, got[3].Status)
}

func TestTerminalReportClosesStream(t *testing.T) {
	b := NewBroadcaster(observability.Nop())
	jobID := uuid.New()

	ch, cancel := b.Subscribe(jobID)
	defer cancel()

	b.Publish(report(jobID, domain.ProgressFailed, 0))

	r, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, domain.ProgressFailed, r.Status)

	_, ok = <-ch
	assert.False(t, ok, "channel must close after the terminal report")

	// Publishing after the terminal report reaches nobody and must not
	// panic on the closed channel.
	b.Publish(report(jobID, domain.ProgressConvertingPage, 1))
}

func TestSubscribersAreIndependentPerJob(t *testing.T) {
	b := NewBroadcaster(observability.Nop())
	jobA, jobB := uuid.New(), uuid.New()

	chA, cancelA := b.Subscribe(jobA)
	chB, cancelB := b.Subscribe(jobB)
	defer cancelA()
	defer cancelB()

	b.Publish(report(jobA, domain.ProgressStarting, 0))

	r := <-chA
	assert.Equal(t, jobA, r.JobID)

	select {
	case r := <-chB:
		t.Fatalf("job B subscriber received foreign report: %+v", r)
	default:
	}
}

func TestMultipleSubscribersSameJob(t *testing.T) {
	b := NewBroadcaster(observability.Nop())
	jobID := uuid.New()

	ch1, cancel1 := b.Subscribe(jobID)
	ch2, cancel2 := b.Subscribe(jobID)
	defer cancel1()
	defer cancel2()

	b.Publish(report(jobID, domain.ProgressStarting, 0))

	assert.Equal(t, domain.ProgressStarting, (<-ch1).Status)
	assert.Equal(t, domain.ProgressStarting, (<-ch2).Status)
}

func TestSlowSubscriberNeverBlocksPublisher(t *testing.T) {
	b := NewBroadcaster(observability.Nop())
	jobID := uuid.New()

	// Nobody drains this channel.
	_, cancel := b.Subscribe(jobID)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Well past the buffer capacity; overflow is dropped, not queued.
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(report(jobID, domain.ProgressConvertingPage, i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an undrained subscriber")
	}
}

func TestCancelDetachesSubscriber(t *testing.T) {
	b := NewBroadcaster(observability.Nop())
	jobID := uuid.New()

	ch, cancel := b.Subscribe(jobID)
	cancel()
	cancel() // safe to call twice

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing to a job with no remaining subscribers is a no-op.
	b.Publish(report(jobID, domain.ProgressStarting, 0))
}

func TestCancelOneOfTwoSubscribers(t *testing.T) {
	b := NewBroadcaster(observability.Nop())
	jobID := uuid.New()

	_, cancel1 := b.Subscribe(jobID)
	ch2, cancel2 := b.Subscribe(jobID)
	defer cancel2()

	cancel1()
	b.Publish(report(jobID, domain.ProgressStarting, 0))

	select {
	case r := <-ch2:
		assert.Equal(t, domain.ProgressStarting, r.Status)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive the report")
	}
}
