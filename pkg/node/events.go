package node

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/store"
)

type EventType string

const (
    EventMessageStored EventType = "message_stored"
    EventRoomJoined    EventType = "room_joined"
    EventPeerSeen      EventType = "peer_seen" // a peer completed the handshake
)

// Event is an application-consumable notification about node activity.
// Only the fields relevant to an event type are populated.
type Event struct {
    Type    EventType
    At      time.Time
    Message *store.Message
    RoomID  string
    NodeID  string
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

// internal event bus
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
