// Package events carries the core's fire-and-forget domain events to
// an optional notification collaborator. Delivery failures are retried
// from an in-memory queue; absence of a subscriber never affects
// lifecycle correctness.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

type Type string

const (
	LoanApproved     Type = "LoanApproved"
	LoanOverdue      Type = "LoanOverdue"
	ReceiptGenerated Type = "ReceiptGenerated"
)

type Event struct {
	Type       Type                   `json:"type"`
	LoanUid    string                 `json:"loanUid"`
	BorrowerID string                 `json:"borrowerId"`
	OccurredAt time.Time              `json:"occurredAt"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

type Sink interface {
	Publish(Event)
}

// NopSink drops every event. Used when no notification endpoint is
// configured.
type NopSink struct{}

func (NopSink) Publish(Event) {}

type pendingEvent struct {
	event      Event
	retryAt    time.Time
	retryCount int
}

// Notifier posts events as JSON to a notification endpoint. Publish
// never blocks; failed posts are re-queued up to maxRetries.
type Notifier struct {
	url        string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	interval   time.Duration

	mu      sync.Mutex
	pending []*pendingEvent

	stop chan struct{}
	done chan struct{}
}

func NewNotifier(url string) *Notifier {
	return NewNotifierWithRetry(url, 3, 5*time.Second, time.Second)
}

func NewNotifierWithRetry(url string, maxRetries int, retryDelay, interval time.Duration) *Notifier {
	n := &Notifier{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		interval:   interval,
		pending:    make([]*pendingEvent, 0),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go n.deliverLoop()
	return n
}

func (n *Notifier) Publish(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, &pendingEvent{event: e, retryAt: time.Now()})
}

func (n *Notifier) Size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *Notifier) Close() {
	close(n.stop)
	<-n.done
}

func (n *Notifier) deliverLoop() {
	defer close(n.done)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			for {
				item := n.dequeue()
				if item == nil {
					break
				}
				if err := n.post(item.event); err != nil {
					if item.retryCount < n.maxRetries {
						item.retryCount++
						item.retryAt = time.Now().Add(n.retryDelay)
						n.requeue(item)
					} else {
						log.Printf("Dropping event %s for loan %s after %d attempts: %v",
							item.event.Type, item.event.LoanUid, item.retryCount+1, err)
					}
				}
			}
		}
	}
}

// dequeue pops the first item whose retry time has come.
func (n *Notifier) dequeue() *pendingEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	for i, item := range n.pending {
		if !item.retryAt.After(now) {
			n.pending = append(n.pending[:i], n.pending[i+1:]...)
			return item
		}
	}
	return nil
}

func (n *Notifier) requeue(item *pendingEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, item)
}

func (n *Notifier) post(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", n.url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("notification endpoint returned status %d", e.code)
}
