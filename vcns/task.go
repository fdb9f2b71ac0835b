package vcns

import (
	"context"
	"sync"

	"github.com/docker/go-events"
)

// TaskKind is the class of backend operation a task tracks.
type TaskKind string

const (
	TaskKindDeploy TaskKind = "deploy"
	TaskKindUpdate TaskKind = "update"
	TaskKindDelete TaskKind = "delete"
)

// TaskPhase is a point in a task's lifecycle. Started is only published for
// deploys, as soon as the backend has assigned the appliance its ID.
type TaskPhase string

const (
	TaskStarted   TaskPhase = "started"
	TaskCompleted TaskPhase = "completed"
	TaskFailed    TaskPhase = "failed"
)

// JobData rides along with a task so completion consumers can find the
// binding the operation belongs to.
type JobData struct {
	ResourceID string
}

// TaskEvent is published through the task notifier on every phase
// transition.
type TaskEvent struct {
	Kind    TaskKind
	Phase   TaskPhase
	JobData JobData
	// EdgeID is set once the backend has assigned one.
	EdgeID string
	// Err is set on Failed events.
	Err error
}

// Task is a handle on one backend job. Client implementations create it
// unsettled with NewTask and settle it exactly once with Finish.
type Task struct {
	ID      string
	Kind    TaskKind
	JobData JobData

	mu     sync.Mutex
	edgeID string
	err    error
	done   chan struct{}
}

// NewTask returns an unsettled task handle.
func NewTask(id string, kind TaskKind, job JobData) *Task {
	return &Task{
		ID:      id,
		Kind:    kind,
		JobData: job,
		done:    make(chan struct{}),
	}
}

// CompletedTask returns a task already in its terminal state, for
// operations the backend performs synchronously.
func CompletedTask(kind TaskKind, job JobData, edgeID string, err error) *Task {
	t := NewTask("", kind, job)
	t.Finish(edgeID, err)
	return t
}

// SetEdgeID records the appliance ID the backend assigned mid-job.
func (t *Task) SetEdgeID(edgeID string) {
	t.mu.Lock()
	t.edgeID = edgeID
	t.mu.Unlock()
}

// EdgeID returns the assigned appliance ID, or empty while the job hasn't
// reported one.
func (t *Task) EdgeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.edgeID
}

// Finish settles the task. It must be called exactly once; an empty edgeID
// leaves any previously recorded ID in place.
func (t *Task) Finish(edgeID string, err error) {
	t.mu.Lock()
	if edgeID != "" {
		t.edgeID = edgeID
	}
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Err returns the task's terminal error. It is only meaningful after Wait
// has returned.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task settles or the context is done. The backend
// job keeps running either way; giving up on Wait never cancels it.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskNotifier fans task events out to registered sinks. Each sink gets its
// own unbounded queue so a slow consumer never stalls the client's job
// pollers.
type TaskNotifier struct {
	mu          sync.Mutex
	broadcaster *events.Broadcaster
	queues      []*events.Queue
	closed      bool
}

// NewTaskNotifier returns a notifier with no sinks.
func NewTaskNotifier() *TaskNotifier {
	return &TaskNotifier{
		broadcaster: events.NewBroadcaster(),
	}
}

// AddSink registers a consumer of task events. The sink is closed along
// with the notifier.
func (n *TaskNotifier) AddSink(sink events.Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	q := events.NewQueue(sink)
	n.queues = append(n.queues, q)
	n.broadcaster.Add(q)
}

// Publish sends a task event to every registered sink.
func (n *TaskNotifier) Publish(ev TaskEvent) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNotifierClosed
	}
	n.mu.Unlock()
	return n.broadcaster.Write(ev)
}

// Close flushes pending events and closes the registered sinks.
func (n *TaskNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	queues := n.queues
	n.mu.Unlock()

	err := n.broadcaster.Close()
	for _, q := range queues {
		if qerr := q.Close(); qerr != nil && err == nil {
			err = qerr
		}
	}
	return err
}
