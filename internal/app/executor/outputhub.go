package executor

import "sync"

// OutputHub fans a task's streamed messages out to any number of
// subscribers (an HTTP facade tailing a run over a websocket, a CLI
// watcher). Per-subscriber buffered channels; a full backlog drops the
// update instead of blocking the run that produced it.
type OutputHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Message]struct{}
	queueSize   int
}

// NewOutputHub constructs a Hub whose subscriber channels default to
// queueSize capacity when Subscribe is called with buffer<=0.
func NewOutputHub(queueSize int) *OutputHub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &OutputHub{subscribers: make(map[string]map[chan Message]struct{}), queueSize: queueSize}
}

// Subscribe registers a listener for taskID's messages. The caller must
// Unsubscribe when done to release the channel.
func (h *OutputHub) Subscribe(taskID string, buffer int) chan Message {
	if buffer <= 0 {
		buffer = h.queueSize
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[taskID] == nil {
		h.subscribers[taskID] = make(map[chan Message]struct{})
	}
	h.subscribers[taskID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (h *OutputHub) Unsubscribe(taskID string, ch chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[taskID]
	if subs == nil {
		return
	}
	if _, ok := subs[ch]; ok {
		delete(subs, ch)
		close(ch)
	}
	if len(subs) == 0 {
		delete(h.subscribers, taskID)
	}
}

// Publish broadcasts m to every current subscriber of taskID. A subscriber
// whose backlog is full has the update dropped rather than blocking the
// run that produced it.
func (h *OutputHub) Publish(taskID string, m Message) {
	h.mu.RLock()
	subs := h.subscribers[taskID]
	chans := make([]chan Message, 0, len(subs))
	for ch := range subs {
		chans = append(chans, ch)
	}
	h.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- m:
		default:
		}
	}
}
