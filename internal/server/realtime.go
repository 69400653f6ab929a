package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
)

const (
	RealtimeEventSignatureCount  = "signature-count"
	RealtimeEventPetitionChanged = "petition-changed"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "petitions-backend"
	realtimeBufferSize           = 16
)

// RealtimeMessage is one event fanned out to the subscribers of a petition.
type RealtimeMessage struct {
	PetitionID   int64
	EventType    string
	ChangeKind   petitions.ChangeKind
	CurrentCount int64
	Timestamp    time.Time
}

// RealtimeDispatcher fans petition events out to stream subscribers. Slow subscribers
// drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a stream for the petition until ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, petitionID int64) (<-chan RealtimeMessage, func()) {
	if petitionID <= 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(petitionID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(petitionID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.PetitionID <= 0 || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.PetitionID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams are attached to the petition.
func (d *RealtimeDispatcher) SubscriberCount(petitionID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[petitionID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(petitionID int64, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[petitionID]; !ok {
		d.subscribers[petitionID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[petitionID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(petitionID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[petitionID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, petitionID)
		}
	}
	d.mu.Unlock()
}

// RealtimeNotifier publishes committed petition changes to stream subscribers.
type RealtimeNotifier struct {
	dispatcher *RealtimeDispatcher
	clock      func() time.Time
}

var _ petitions.ChangeNotifier = (*RealtimeNotifier)(nil)

// NewRealtimeNotifier adapts the dispatcher to the lifecycle engine's notifications.
func NewRealtimeNotifier(dispatcher *RealtimeDispatcher, clock func() time.Time) *RealtimeNotifier {
	if clock == nil {
		clock = time.Now
	}
	return &RealtimeNotifier{dispatcher: dispatcher, clock: clock}
}

func (n *RealtimeNotifier) PetitionChanged(_ context.Context, change petitions.PetitionChange) {
	if n == nil || n.dispatcher == nil {
		return
	}
	n.dispatcher.Publish(RealtimeMessage{
		PetitionID: change.PetitionID,
		EventType:  RealtimeEventPetitionChanged,
		ChangeKind: change.Kind,
		Timestamp:  n.clock().UTC(),
	})
}

func (n *RealtimeNotifier) SignatureCreated(_ context.Context, change petitions.SignatureChange) {
	if n == nil || n.dispatcher == nil {
		return
	}
	n.dispatcher.Publish(RealtimeMessage{
		PetitionID:   change.PetitionID,
		EventType:    RealtimeEventSignatureCount,
		CurrentCount: change.CurrentCount,
		Timestamp:    n.clock().UTC(),
	})
}
