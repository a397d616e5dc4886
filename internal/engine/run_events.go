package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunEvent is one progress notification for a run, streamed to dashboards.
type RunEvent struct {
	Type       string     `json:"type"` // run_started|node_started|node_finished|run_sleeping|run_finished|run_cancelled
	RunID      string     `json:"run_id"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	NodeID     string     `json:"node_id,omitempty"`
	NodeType   string     `json:"node_type,omitempty"`
	StepID     string     `json:"step_id,omitempty"`
	Status     string     `json:"status,omitempty"`
	Variant    string     `json:"variant,omitempty"`
	Error      string     `json:"error,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	TS         int64      `json:"ts"`
}

func (e RunEvent) terminal() bool {
	return e.Type == "run_finished" || e.Type == "run_cancelled"
}

type subscriber struct {
	ch     chan RunEvent
	closed bool
}

// RunEventHub fans run events out to subscribers. Each run keeps a bounded
// replay buffer so late subscribers see earlier events; the buffer is dropped
// some time after the run ends.
type RunEventHub struct {
	mu        sync.Mutex
	subs      map[uuid.UUID]map[*subscriber]struct{}
	replay    map[uuid.UUID][]RunEvent
	maxReplay int
	retention time.Duration
}

func NewRunEventHub() *RunEventHub {
	return &RunEventHub{
		subs:      map[uuid.UUID]map[*subscriber]struct{}{},
		replay:    map[uuid.UUID][]RunEvent{},
		maxReplay: 100,
		retention: 10 * time.Minute,
	}
}

// Subscribe returns the replayed and live events of a run. The returned func
// unsubscribes and closes the channel.
func (h *RunEventHub) Subscribe(runID uuid.UUID) (<-chan RunEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := h.replay[runID]
	s := &subscriber{ch: make(chan RunEvent, len(replay)+64)}
	for _, evt := range replay {
		s.ch <- evt
	}
	if h.subs[runID] == nil {
		h.subs[runID] = map[*subscriber]struct{}{}
	}
	h.subs[runID][s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if m, ok := h.subs[runID]; ok {
				delete(m, s)
				if len(m) == 0 {
					delete(h.subs, runID)
				}
			}
			s.closed = true
			close(s.ch)
		})
	}
}

func (h *RunEventHub) Publish(runID uuid.UUID, evt RunEvent) {
	if h == nil {
		return
	}
	if evt.TS == 0 {
		evt.TS = time.Now().UTC().UnixMilli()
	}
	if evt.RunID == "" {
		evt.RunID = runID.String()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.replay[runID], evt)
	if len(buf) > h.maxReplay {
		buf = buf[len(buf)-h.maxReplay:]
	}
	h.replay[runID] = buf
	for s := range h.subs[runID] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// slow subscriber
		}
	}
	if evt.terminal() {
		time.AfterFunc(h.retention, func() { h.forget(runID) })
	}
}

func (h *RunEventHub) forget(runID uuid.UUID) {
	h.mu.Lock()
	delete(h.replay, runID)
	h.mu.Unlock()
}
