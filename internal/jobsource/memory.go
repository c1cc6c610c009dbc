package jobsource

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Memory is an in-process Source for local runs and tests. Claimed jobs that
// are never acknowledged can be put back with Redeliver.
type Memory struct {
	mu       sync.Mutex
	next     int
	queue    []memoryMessage
	inflight map[string]memoryMessage
	acked    []string
	released []string

	// ClaimErr and AckErr inject broker failures when set.
	ClaimErr error
	AckErr   error
}

type memoryMessage struct {
	id         string
	body       []byte
	headers    map[string]string
	deliveries int
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{inflight: make(map[string]memoryMessage)}
}

// Enqueue appends a message and returns its id.
func (m *Memory) Enqueue(body []byte, headers map[string]string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := strconv.Itoa(m.next)
	m.queue = append(m.queue, memoryMessage{id: id, body: append([]byte(nil), body...), headers: headers})
	return id
}

func (m *Memory) Claim(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClaimErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, m.ClaimErr)
	}
	if len(m.queue) == 0 {
		return nil, nil
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	msg.deliveries++
	m.inflight[msg.id] = msg
	headers := make(map[string]string, len(msg.headers))
	for k, v := range msg.headers {
		headers[k] = v
	}
	id := msg.id
	job := newJob(id, msg.body, msg.deliveries, headers, func(context.Context) error {
		return m.ack(id)
	})
	return job.withRelease(func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.released = append(m.released, id)
		return nil
	}), nil
}

func (m *Memory) ack(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	if _, ok := m.inflight[id]; !ok {
		return fmt.Errorf("message %s is not in flight", id)
	}
	delete(m.inflight, id)
	m.acked = append(m.acked, id)
	return nil
}

// Redeliver returns every unacknowledged in-flight message to the queue, as a
// broker does when the visibility window lapses.
func (m *Memory) Redeliver() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, msg := range m.inflight {
		m.queue = append(m.queue, msg)
		delete(m.inflight, id)
		count++
	}
	return count
}

// Acked lists acknowledged message ids in order.
func (m *Memory) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

// Released lists ids of jobs handed back with Release. They stay in flight
// until Redeliver, like a message waiting out its visibility window.
func (m *Memory) Released() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.released...)
}

// Len reports messages waiting to be claimed.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// InFlight reports claimed but unacknowledged messages.
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *Memory) Close(context.Context) error { return nil }
