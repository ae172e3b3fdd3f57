// Package notify delivers lifecycle notifications for executions whose
// definition opted in. Delivery is fire and forget; a slow or failing
// sink never blocks a state transition.
package notify

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventAborted   EventType = "aborted"
	EventBreach    EventType = "threshold_breach"
)

type Event struct {
	Type         EventType `json:"type"`
	ExecutionID  string    `json:"executionId"`
	DefinitionID string    `json:"definitionId"`
	OrgID        string    `json:"orgId"`
	Message      string    `json:"message,omitempty"`
	Time         time.Time `json:"time"`
}

type Notifier interface {
	Notify(event Event)
}

// LogNotifier writes notifications to the structured log. It stands in
// for an outbound channel such as e-mail or chat, which is deployed as a
// separate service consuming the audit stream.
type LogNotifier struct{}

func (LogNotifier) Notify(event Event) {
	log.WithFields(log.Fields{
		"event":        string(event.Type),
		"executionId":  event.ExecutionID,
		"definitionId": event.DefinitionID,
		"orgId":        event.OrgID,
	}).Info(event.Message)
}

// AsyncNotifier decouples notification delivery from the caller. Events
// are dropped with a warning if the buffer is full.
type AsyncNotifier struct {
	delegate Notifier
	events   chan Event
	stop     chan struct{}
}

func NewAsyncNotifier(delegate Notifier, bufferSize int) *AsyncNotifier {
	n := &AsyncNotifier{
		delegate: delegate,
		events:   make(chan Event, bufferSize),
		stop:     make(chan struct{}),
	}
	go n.deliver()
	return n
}

func (n *AsyncNotifier) Notify(event Event) {
	select {
	case n.events <- event:
	default:
		log.WithField("executionId", event.ExecutionID).Warn("notification buffer full, dropping event")
	}
}

func (n *AsyncNotifier) Stop() {
	close(n.stop)
}

func (n *AsyncNotifier) deliver() {
	for {
		select {
		case event := <-n.events:
			n.delegate.Notify(event)
		case <-n.stop:
			return
		}
	}
}
