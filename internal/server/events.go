package server

import (
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// maxRetainedFeeds bounds how many finished run streams stay replayable for
// late WebSocket subscribers.
const maxRetainedFeeds = 64

// feed is the replayable event stream of one run.
type feed struct {
	mu      sync.Mutex
	backlog []types.ProgressEvent
	subs    map[chan types.ProgressEvent]struct{}
	done    bool
}

func (f *feed) publish(ev types.ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backlog = append(f.backlog, ev)
	for sub := range f.subs {
		select {
		case sub <- ev:
		default:
			// Slow mirror subscribers lose events, never stall the run.
		}
	}
}

func (f *feed) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = true
	for sub := range f.subs {
		close(sub)
	}
	f.subs = nil
}

// subscribe replays the backlog and then follows the live stream. The
// returned cancel must be called when the subscriber leaves.
func (f *feed) subscribe() (<-chan types.ProgressEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan types.ProgressEvent, len(f.backlog)+64)
	for _, ev := range f.backlog {
		ch <- ev
	}
	if f.done {
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = make(map[chan types.ProgressEvent]struct{})
	}
	f.subs[ch] = struct{}{}

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
		}
	}
	return ch, cancel
}

// feedRegistry tracks live and recently finished runs by request ID.
type feedRegistry struct {
	mu    sync.Mutex
	feeds map[string]*feed
	order []string
}

func newFeedRegistry() *feedRegistry {
	return &feedRegistry{feeds: make(map[string]*feed)}
}

func (r *feedRegistry) get(id string) *feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds[id]
}

func (r *feedRegistry) register(id string) *feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &feed{}
	r.feeds[id] = f
	r.order = append(r.order, id)
	for len(r.order) > maxRetainedFeeds {
		delete(r.feeds, r.order[0])
		r.order = r.order[1:]
	}
	return f
}

// tap forwards the orchestrator stream unchanged while mirroring every event
// into the feed registry for WebSocket subscribers.
func (r *feedRegistry) tap(events <-chan types.ProgressEvent) <-chan types.ProgressEvent {
	out := make(chan types.ProgressEvent, cap(events))
	go func() {
		defer close(out)
		var f *feed
		for ev := range events {
			if f == nil && ev.RequestID != "" {
				f = r.register(ev.RequestID)
			}
			if f != nil {
				f.publish(ev)
			}
			out <- ev
		}
		if f != nil {
			f.finish()
		}
	}()
	return out
}

// handleRunEvents mirrors a run's event stream over WebSocket. Late
// subscribers get the backlog first, so a page reload never loses the final
// result of a still-retained run.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f := s.feeds.get(id)
	if f == nil {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "run", id, "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := f.subscribe()
	defer cancel()

	ctx := r.Context()
	for ev := range events {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "stream complete")
}
