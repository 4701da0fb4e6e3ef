package verification

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"rollcall/internal/verification/metrics"
)

// ResultHub delivers completed task results to whoever submitted the task.
// Each task identity owns one bounded mailbox (capacity 1); publishing
// removes the mailbox so a task can never be notified twice. Sends never
// block workers: a missing or full mailbox is a recipient-side drop, counted
// and logged, and the queue side is unaffected.
type ResultHub struct {
	mu      sync.Mutex
	boxes   map[uuid.UUID]chan Result
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewResultHub constructs an empty hub.
func NewResultHub(logger *slog.Logger, m *metrics.Metrics) *ResultHub {
	return &ResultHub{
		boxes:   make(map[uuid.UUID]chan Result),
		logger:  logger,
		metrics: m,
	}
}

// Register creates the mailbox for a task and returns its receive side.
// Callers that stop waiting should Deregister to free the slot.
func (h *ResultHub) Register(taskID uuid.UUID) <-chan Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	box := make(chan Result, 1)
	h.boxes[taskID] = box
	return box
}

// Deregister abandons a mailbox. A result published afterwards is dropped as
// a recipient-side failure.
func (h *ResultHub) Deregister(taskID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.boxes, taskID)
}

// Publish delivers a result exactly once. The mailbox is removed before the
// send, so a duplicate publish for the same task finds nothing to deliver to.
func (h *ResultHub) Publish(res Result) {
	h.mu.Lock()
	box, ok := h.boxes[res.TaskID]
	delete(h.boxes, res.TaskID)
	h.mu.Unlock()

	if !ok {
		h.drop(res, "no mailbox")
		return
	}
	select {
	case box <- res:
	default:
		h.drop(res, "mailbox full")
	}
}

func (h *ResultHub) drop(res Result, reason string) {
	if h.metrics != nil {
		h.metrics.ResultsDropped.Inc()
	}
	h.logger.Warn("verification result dropped",
		"task_id", res.TaskID,
		"session", res.SessionCode,
		"participant", res.ParticipantID,
		"outcome", res.Outcome,
		"reason", reason,
	)
}
