package orchestrator

import (
	"encoding/json"
	"sync"
	"time"
)

// AllQueries subscribes to the events of every query.
const AllQueries = "*"

// Event is a generic SSE payload wrapper.
type Event struct {
	Event   string `json:"event"`
	QueryID string `json:"query_id"`
	Payload any    `json:"payload,omitempty"`
}

type subscriber chan []byte

// Hub fans query events out to SSE subscribers. Sends never block: a slow
// subscriber loses events rather than stalling the pipeline.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[subscriber]struct{} // queryID -> set of subscribers

	flushEvery time.Duration
	flushMu    sync.Mutex // orders token flushes against resets
	tokMu      sync.Mutex
	tokBuf     map[string]map[string]string // queryID -> stage -> buffered chunk(s)
	tokStop    map[string]chan struct{}     // queryID -> stop channel
	tokDone    map[string]chan struct{}     // queryID -> closed when the flush loop exits
}

func NewHub() *Hub {
	return &Hub{
		subs:       map[string]map[subscriber]struct{}{},
		flushEvery: 100 * time.Millisecond,
		tokBuf:     map[string]map[string]string{},
		tokStop:    map[string]chan struct{}{},
		tokDone:    map[string]chan struct{}{},
	}
}

// Subscribe returns a channel of JSON-encoded events for queryID (or
// AllQueries). The caller must call the returned unsubscribe func when done.
func (h *Hub) Subscribe(queryID string) (<-chan []byte, func()) {
	ch := make(subscriber, 64)
	h.mu.Lock()
	set := h.subs[queryID]
	if set == nil {
		set = map[subscriber]struct{}{}
		h.subs[queryID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[queryID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, queryID)
				}
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []string{ev.QueryID, AllQueries} {
		for ch := range h.subs[key] {
			select {
			case ch <- b:
			default:
			}
		}
	}
}

// TokenAppender returns a function that buffers token chunks per stage and a
// background loop that flushes them as coalesced "token" events.
// StopTokenAppender must be called once the query is finished.
func (h *Hub) TokenAppender(queryID string) func(stage, chunk string) {
	h.tokMu.Lock()
	if _, ok := h.tokBuf[queryID]; !ok {
		h.tokBuf[queryID] = map[string]string{}
	}
	if _, ok := h.tokStop[queryID]; !ok {
		stop, done := make(chan struct{}), make(chan struct{})
		h.tokStop[queryID], h.tokDone[queryID] = stop, done
		go h.flushLoop(queryID, stop, done)
	}
	h.tokMu.Unlock()
	return func(stage, chunk string) {
		if chunk == "" || stage == "" {
			return
		}
		h.tokMu.Lock()
		if buf, ok := h.tokBuf[queryID]; ok {
			buf[stage] += chunk
		}
		h.tokMu.Unlock()
	}
}

func (h *Hub) flushLoop(queryID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.flushMu.Lock()
			h.tokMu.Lock()
			pending := drain(h.tokBuf[queryID])
			h.tokMu.Unlock()
			h.publishTokens(queryID, pending)
			h.flushMu.Unlock()
		}
	}
}

// StopTokenAppender stops the coalescer for a query and flushes what is left.
func (h *Hub) StopTokenAppender(queryID string) {
	h.tokMu.Lock()
	stop, done := h.tokStop[queryID], h.tokDone[queryID]
	delete(h.tokStop, queryID)
	delete(h.tokDone, queryID)
	h.tokMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	h.tokMu.Lock()
	pending := drain(h.tokBuf[queryID])
	delete(h.tokBuf, queryID)
	h.tokMu.Unlock()
	h.publishTokens(queryID, pending)
}

// ResetTokens drops the unflushed chunks of stage and publishes a
// "token_reset" event: subscribers discard what they got for that stage.
func (h *Hub) ResetTokens(queryID, stage string) {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	h.tokMu.Lock()
	if buf, ok := h.tokBuf[queryID]; ok {
		delete(buf, stage)
	}
	h.tokMu.Unlock()
	h.Publish(Event{Event: "token_reset", QueryID: queryID, Payload: map[string]any{"stage": stage}})
}

func drain(buf map[string]string) map[string]string {
	out := make(map[string]string, len(buf))
	for stage, s := range buf {
		if s != "" {
			out[stage] = s
		}
		delete(buf, stage)
	}
	return out
}

func (h *Hub) publishTokens(queryID string, pending map[string]string) {
	for stage, chunk := range pending {
		h.Publish(Event{Event: "token", QueryID: queryID, Payload: map[string]any{"stage": stage, "chunk": chunk}})
	}
}
