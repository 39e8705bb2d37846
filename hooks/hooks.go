package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/pesadb/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Data Lifecycle Events
	EventPreInsert     EventType = "PreInsert"
	EventPostInsert    EventType = "PostInsert"
	EventPreOverwrite  EventType = "PreOverwrite"
	EventPostOverwrite EventType = "PostOverwrite"

	// Schema Events
	EventPostCreateTable EventType = "PostCreateTable"
	EventPostDropTable   EventType = "PostDropTable"

	// Engine Internal Events
	EventPostWALAppend  EventType = "PostWALAppend"
	EventPostWALClear   EventType = "PostWALClear"
	EventPostRecovery   EventType = "PostRecovery"
	EventPostCheckpoint EventType = "PostCheckpoint"

	// Engine Lifecycle
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreInsert) cancels the operation.
	// Errors from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// PreInsertPayload carries a validated row before it is logged. Listeners
// receive a copy; returning an error rejects the insert.
type PreInsertPayload struct {
	Table string
	Row   core.Row
}

// NewPreInsertEvent creates a new event for before a row is inserted.
func NewPreInsertEvent(payload PreInsertPayload) HookEvent {
	return &BaseEvent{eventType: EventPreInsert, payload: payload}
}

// PostInsertPayload contains the data for a PostInsert event.
type PostInsertPayload struct {
	Table string
	Row   core.Row
	LSN   uint32
	TxnID uint32
	// Rows is the table size after the insert.
	Rows int
}

// NewPostInsertEvent creates a new event for after a row is inserted.
func NewPostInsertEvent(payload PostInsertPayload) HookEvent {
	return &BaseEvent{eventType: EventPostInsert, payload: payload}
}

// PreOverwritePayload describes a full replacement of a table's rows by an
// UPDATE, DELETE or explicit overwrite.
type PreOverwritePayload struct {
	Table string
	Op    core.OpType
	Rows  []core.Row
}

// NewPreOverwriteEvent creates a new event for before a table is rewritten.
func NewPreOverwriteEvent(payload PreOverwritePayload) HookEvent {
	return &BaseEvent{eventType: EventPreOverwrite, payload: payload}
}

// PostOverwritePayload contains the data for a PostOverwrite event.
type PostOverwritePayload struct {
	Table      string
	Op         core.OpType
	LSN        uint32
	RowsBefore int
	RowsAfter  int
	// RowsChanged counts rows removed or modified by the statement.
	RowsChanged int
	// BytesWritten is the size of the rebuilt row store.
	BytesWritten int64
	Duration     time.Duration
}

// NewPostOverwriteEvent creates a new event for after a table is rewritten.
func NewPostOverwriteEvent(payload PostOverwritePayload) HookEvent {
	return &BaseEvent{eventType: EventPostOverwrite, payload: payload}
}

// TablePayload identifies a table for schema events.
type TablePayload struct {
	Table   string
	Columns []core.Column
}

// NewPostCreateTableEvent creates an event for after a table is created.
func NewPostCreateTableEvent(payload TablePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateTable, payload: payload}
}

// NewPostDropTableEvent creates an event for after a table is dropped.
func NewPostDropTableEvent(payload TablePayload) HookEvent {
	return &BaseEvent{eventType: EventPostDropTable, payload: payload}
}

// PostWALAppendPayload contains information about an appended WAL entry.
type PostWALAppendPayload struct {
	LSN     uint32
	TxnID   uint32
	Op      core.OpType
	Table   string
	Bytes   int
	Synced  bool
	Backend string
}

// NewPostWALAppendEvent creates an event for after a WAL entry is appended.
func NewPostWALAppendEvent(payload PostWALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALAppend, payload: payload}
}

// PostWALClearPayload contains information about a WAL truncation.
type PostWALClearPayload struct {
	Path    string
	LastLSN uint32
}

// NewPostWALClearEvent creates an event for after the WAL is cleared.
func NewPostWALClearEvent(payload PostWALClearPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALClear, payload: payload}
}

// PostRecoveryPayload summarizes a WAL replay at engine start.
type PostRecoveryPayload struct {
	Entries    int
	Applied    int
	Skipped    int
	Overwrites int
	MaxLSN     uint32
	Duration   time.Duration
}

// NewPostRecoveryEvent creates an event for after WAL replay.
func NewPostRecoveryEvent(payload PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// PostCheckpointPayload lists the tables whose files were synced and marked
// in the log.
type PostCheckpointPayload struct {
	Tables []string
	LSN    uint32
}

// NewPostCheckpointEvent creates an event for after a checkpoint.
func NewPostCheckpointEvent(payload PostCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// EngineLifecyclePayload is an empty payload for engine start/stop events.
type EngineLifecyclePayload struct{}

// NewPostStartEngineEvent creates an event for after the engine has started.
func NewPostStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPreCloseEngineEvent creates an event for before the engine closes.
func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}

// NewPostCloseEngineEvent creates an event for after the engine has closed.
func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]

	// sort.Search finds the first index i where l[i].priority > item.priority,
	// so listeners with equal priority keep registration order.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		// Post-hooks can be sync or async based on the listener's preference.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				// Async listeners outlive the triggering call.
				if err := currentItem.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
