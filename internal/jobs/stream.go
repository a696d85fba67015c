package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-notes/internal/model"
)

// subscriber buffers events for one consumer. The queue is unbounded so the
// producer never waits on a slow reader.
type subscriber struct {
	mu     sync.Mutex
	queue  []model.Event
	notify chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{notify: make(chan struct{}, 1)}
}

func (sub *subscriber) push(ev model.Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) pop() (model.Event, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.queue) == 0 {
		return model.Event{}, false
	}
	ev := sub.queue[0]
	sub.queue[0] = model.Event{}
	sub.queue = sub.queue[1:]
	return ev, true
}

// publish fans ev out to every subscriber of j. Callers hold s.mu so events
// are queued in mutation order.
func (s *Store) publish(j *job, ev model.Event) {
	ev.JobID = j.id
	ev.TS = s.now().UTC()
	for _, sub := range j.subs {
		sub.push(ev)
	}
}

// Subscribe returns a channel of events produced for the job after the call.
// When no event arrives within the idle window a ping is delivered instead.
// The channel is closed once ctx is done.
func (s *Store) Subscribe(ctx context.Context, jobID string) (<-chan model.Event, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, eris.Wrap(ErrJobNotFound, jobID)
	}
	id := s.nextSub
	s.nextSub++
	sub := newSubscriber()
	j.subs[id] = sub
	idle := s.idle
	s.mu.Unlock()

	out := make(chan model.Event)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(j.subs, id)
			s.mu.Unlock()
		}()

		timer := time.NewTimer(idle)
		defer timer.Stop()

		for {
			ev, ok := sub.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-sub.notify:
					continue
				case <-timer.C:
					ev = model.Event{Type: model.EventPing, JobID: jobID, TS: s.now().UTC()}
				}
			}

			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}

			timer.Reset(idle)
		}
	}()
	return out, nil
}

// Subscribers returns the number of live subscribers for a job.
func (s *Store) Subscribers(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return len(j.subs)
	}
	return 0
}
