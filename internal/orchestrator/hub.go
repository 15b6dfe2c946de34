package orchestrator

import (
	"sync"

	"github.com/dojocodes/sandbox/internal/schema"
)

// hub fans job states out to watchers. A watcher only ever holds the most
// recent state, so a slow reader skips intermediate states but always sees
// the last one.
type hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan *schema.JobState]struct{}
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[chan *schema.JobState]struct{})}
}

func (h *hub) subscribe(id string) chan *schema.JobState {
	ch := make(chan *schema.JobState, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[id] == nil {
		h.watchers[id] = make(map[chan *schema.JobState]struct{})
	}
	h.watchers[id][ch] = struct{}{}
	return ch
}

func (h *hub) unsubscribe(id string, ch chan *schema.JobState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[id]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.watchers, id)
		}
	}
}

// publish hands st to every watcher of st.ID. Terminal states close the
// watchers after delivery.
func (h *hub) publish(st *schema.JobState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers[st.ID] {
		select {
		case <-ch:
		default:
		}
		ch <- st.Clone()
		if st.Status.Terminal() {
			close(ch)
		}
	}
	if st.Status.Terminal() {
		delete(h.watchers, st.ID)
	}
}
