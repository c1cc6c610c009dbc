// Package jobsource claims transcoding jobs from a durable broker one at a time.
//
// A claimed Job is removed from the broker only by Ack. An abandoned job is
// handed back with Release; brokers with a visibility window (Redis Streams,
// SQS) need nothing and redeliver once it lapses, while RabbitMQ requeues the
// delivery and Kafka rewinds to the last committed offset.
package jobsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	// ErrQueueUnavailable is returned when the broker cannot be reached.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrMalformedPayload marks a claimed message whose body cannot be decoded.
	ErrMalformedPayload = errors.New("malformed job payload")
	// ErrAlreadyAcked is returned by a second Ack on the same job.
	ErrAlreadyAcked = errors.New("job already acknowledged")
)

// Source hands out at most one job per Claim call.
type Source interface {
	// Claim returns the next job, or nil when the queue is empty.
	Claim(ctx context.Context) (*Job, error)
	// Close releases the broker connection.
	Close(ctx context.Context) error
}

// Payload is the decoded body of a job message.
type Payload struct {
	Key string
}

// Job is a claimed message. DecodeErr is set when the body was not a usable
// payload; such a job is still claimed and must be acknowledged to drop it.
type Job struct {
	ID         string
	Body       []byte
	Payload    Payload
	DecodeErr  error
	Deliveries int
	Headers    map[string]string

	mu       sync.Mutex
	acked    bool
	released bool
	ack      func(ctx context.Context) error
	release  func(ctx context.Context) error
}

func newJob(id string, body []byte, deliveries int, headers map[string]string, ack func(ctx context.Context) error) *Job {
	job := &Job{
		ID:         id,
		Body:       body,
		Deliveries: deliveries,
		Headers:    headers,
		ack:        ack,
	}
	if job.Headers == nil {
		job.Headers = map[string]string{}
	}
	job.Payload, job.DecodeErr = DecodePayload(body)
	return job
}

// Ack permanently removes the job from the broker. It may succeed only once.
func (j *Job) Ack(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.acked {
		return ErrAlreadyAcked
	}
	if j.ack == nil {
		return errors.New("job has no acknowledgement handle")
	}
	if err := j.ack(ctx); err != nil {
		return err
	}
	j.acked = true
	return nil
}

// Release returns an unacknowledged job to the broker for redelivery. It is a
// no-op after Ack, on a second call, or for sources without a release handle.
func (j *Job) Release(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.acked || j.released || j.release == nil {
		return nil
	}
	j.released = true
	return j.release(ctx)
}

func (j *Job) withRelease(fn func(ctx context.Context) error) *Job {
	j.release = fn
	return j
}

// Acked reports whether Ack has succeeded.
func (j *Job) Acked() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.acked
}

type rawPayload struct {
	Key     string `json:"Key"`
	Records []struct {
		S3 struct {
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// DecodePayload reads a JSON body carrying the source key. Besides the plain
// {"Key": "..."} form it accepts S3/MinIO bucket notifications, whose record
// keys are URL-encoded.
func DecodePayload(body []byte) (Payload, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	key := strings.TrimSpace(raw.Key)
	if key == "" && len(raw.Records) > 0 {
		encoded := raw.Records[0].S3.Object.Key
		decoded, err := url.QueryUnescape(encoded)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: record key %q: %v", ErrMalformedPayload, encoded, err)
		}
		key = strings.TrimSpace(decoded)
	}
	if key == "" {
		return Payload{}, fmt.Errorf("%w: missing Key", ErrMalformedPayload)
	}
	return Payload{Key: key}, nil
}
