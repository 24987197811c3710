package jobs

import (
	"sync"
	"time"
)

// EventType classifies messages published on a Bus.
type EventType string

const (
	EventStatus            EventType = "status"
	EventProgress          EventType = "progress"
	EventStage             EventType = "stage"
	EventTiming            EventType = "timing"
	EventTerminal          EventType = "terminal"
	EventOverwriteRequest  EventType = "overwrite_request"
	EventOutputPathRequest EventType = "output_path_request"
	EventOutputFileError   EventType = "output_file_error"
	EventQueueDepth        EventType = "queue_depth"
	EventAllComplete       EventType = "all_complete"
)

// Event is a sequenced notification. Which fields are set depends on Type.
type Event struct {
	Seq       int64         `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	Type      EventType     `json:"type"`
	JobID     string        `json:"job_id,omitempty"`
	Folder    string        `json:"folder,omitempty"`
	Status    Status        `json:"status,omitempty"`
	Percent   float64       `json:"percent,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Success   bool          `json:"success,omitempty"`
	Message   string        `json:"message,omitempty"`
	Path      string        `json:"path,omitempty"` // output path, default path or overwrite target

	// queue_depth
	Running int `json:"running,omitempty"`
	Queued  int `json:"queued,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks and every
// subscriber receives every event in publish order.
type Bus struct {
	mu      sync.Mutex
	nextSeq int64
	nextID  int
	subs    map[int]*subscriber
	closed  bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// subscriber buffers events without bound and hands them to out one at a
// time from its own goroutine.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	out  chan Event
	quit chan struct{}
}

// Subscribe returns a channel of all events published from now on and a
// function that ends the subscription. The channel is closed when the
// subscription ends or the bus is closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		out:  make(chan Event),
		quit: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.quit)
			s.close()
		})
	}
}

// Publish assigns the event a sequence number and queues it for every
// subscriber.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if b.closed {
		return event
	}
	for _, s := range b.subs {
		s.push(event)
	}
	return event
}

// Close ends all subscriptions once their queued events are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

func (s *subscriber) push(event Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, event)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.quit:
			return
		}
	}
}
