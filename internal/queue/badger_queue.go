// Package queue implements a durable at-least-once job queue on
// BadgerDB with parent/child flow semantics: a parent job is dispatched
// only after every child reports a terminal result, and it observes all
// child return values.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vectorpress/internal/interfaces"
)

// ErrNoMessage is returned when no message is visible.
var ErrNoMessage = errors.New("no messages in queue")

// message is the internal structure stored in Badger.
type message struct {
	Job         interfaces.FlowJob `json:"job"`
	MaxAttempts int                `json:"max_attempts"`
	ChildIndex  int                `json:"child_index"` // -1 for the flow parent
	VisibleAt   time.Time          `json:"visible_at"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
}

// flowState tracks fan-in progress for one flow.
type flowState struct {
	ID             string             `json:"id"`
	Parent         interfaces.FlowJob `json:"parent"`
	ParentAttempts int                `json:"parent_attempts"`
	Total          int                `json:"total"`
	Done           int                `json:"done"`
	Failed         bool               `json:"failed"`
	ParentEnqueued bool               `json:"parent_enqueued"`
}

// Options configures the queue manager.
type Options struct {
	QueueName         string
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
}

// Manager is the Badger-backed flow queue.
type Manager struct {
	db       *badger.DB
	opts     Options
	handlers map[string]interfaces.FlowHandler
	failures map[string]interfaces.FailureHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
}

var _ interfaces.FlowQueue = (*Manager)(nil)

// NewManager creates a flow queue manager on an open Badger handle.
func NewManager(db *badger.DB, opts Options, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if opts.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		db:       db,
		opts:     opts,
		handlers: make(map[string]interfaces.FlowHandler),
		failures: make(map[string]interfaces.FailureHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// RegisterHandler binds a handler to a job name.
func (m *Manager) RegisterHandler(name string, handler interfaces.FlowHandler) {
	m.handlers[name] = handler
	m.logger.Debug().Str("job_name", name).Msg("Job handler registered")
}

// RegisterFailureHandler binds a final-failure callback to a job name.
func (m *Manager) RegisterFailureHandler(name string, handler interfaces.FailureHandler) {
	m.failures[name] = handler
}

// EnqueueFlow persists the flow state and schedules every child.
func (m *Manager) EnqueueFlow(ctx context.Context, flow interfaces.FlowSpec) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	if len(flow.Children) == 0 {
		return errors.New("flow requires at least one child")
	}

	parentPayload, err := json.Marshal(flow.Parent.Payload)
	if err != nil {
		return fmt.Errorf("marshal parent payload: %w", err)
	}

	state := flowState{
		ID: flow.ID,
		Parent: interfaces.FlowJob{
			ID:      uuid.New().String(),
			FlowID:  flow.ID,
			Name:    flow.Parent.Name,
			Payload: parentPayload,
			Attempt: 1,
		},
		ParentAttempts: attemptsOrOne(flow.Parent.Attempts),
		Total:          len(flow.Children),
	}

	msgs := make([]message, 0, len(flow.Children))
	now := time.Now()
	for i, child := range flow.Children {
		payload, err := json.Marshal(child.Payload)
		if err != nil {
			return fmt.Errorf("marshal child payload: %w", err)
		}
		msgs = append(msgs, message{
			Job: interfaces.FlowJob{
				ID:      uuid.New().String(),
				FlowID:  flow.ID,
				Name:    child.Name,
				Payload: payload,
				Attempt: 1,
			},
			MaxAttempts: attemptsOrOne(child.Attempts),
			ChildIndex:  i,
			VisibleAt:   now,
			EnqueuedAt:  now,
		})
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if err := m.putFlow(txn, &state); err != nil {
			return err
		}
		for i := range msgs {
			if err := m.putMessage(txn, &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// receive claims the next visible message by pushing its visibility
// index forward. The claim and the index move happen in one transaction
// so two workers can never hold the same message.
func (m *Manager) receive() (*message, error) {
	var claimed *message

	err := m.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(m.indexPrefix())})
		defer it.Close()

		now := time.Now()
		for it.Rewind(); it.Valid(); it.Next() {
			visibleAt, id, err := m.parseIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			if visibleAt.After(now) {
				// Index keys sort by timestamp; nothing later is visible.
				return ErrNoMessage
			}

			item, err := txn.Get(m.msgKey(id))
			if err != nil {
				// Orphaned index entry.
				txn.Delete(it.Item().KeyCopy(nil))
				continue
			}
			var msg message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
			msg.VisibleAt = now.Add(m.opts.VisibilityTimeout)
			if err := m.putMessage(txn, &msg); err != nil {
				return err
			}
			claimed = &msg
			return nil
		}
		return ErrNoMessage
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// completeChild stores the child's result, advances fan-in and, when the
// last child resolves cleanly, enqueues the parent with all results.
func (m *Manager) completeChild(msg *message, result json.RawMessage) error {
	return m.db.Update(func(txn *badger.Txn) error {
		if err := m.deleteMessage(txn, msg); err != nil {
			return err
		}
		if err := txn.Set(m.resultKey(msg.Job.FlowID, msg.ChildIndex), result); err != nil {
			return err
		}
		state, err := m.getFlow(txn, msg.Job.FlowID)
		if err != nil {
			return err
		}
		state.Done++
		if state.Done >= state.Total && state.Failed {
			// The flow already failed terminally; the parent never runs,
			// so drop the bookkeeping once the last child settles.
			return m.deleteFlow(txn, state.ID)
		}
		if state.Done >= state.Total && !state.Failed && !state.ParentEnqueued {
			results := make([]json.RawMessage, state.Total)
			for i := 0; i < state.Total; i++ {
				item, err := txn.Get(m.resultKey(state.ID, i))
				if err != nil {
					return fmt.Errorf("missing child result %d: %w", i, err)
				}
				if err := item.Value(func(val []byte) error {
					results[i] = append(json.RawMessage(nil), val...)
					return nil
				}); err != nil {
					return err
				}
			}
			parent := state.Parent
			parent.ChildResults = results
			now := time.Now()
			if err := m.putMessage(txn, &message{
				Job:         parent,
				MaxAttempts: state.ParentAttempts,
				ChildIndex:  -1,
				VisibleAt:   now,
				EnqueuedAt:  now,
			}); err != nil {
				return err
			}
			state.ParentEnqueued = true
		}
		return m.putFlow(txn, state)
	})
}

// retryMessage reschedules a failed attempt with exponential backoff.
func (m *Manager) retryMessage(msg *message) error {
	delay := m.opts.BackoffBase << uint(msg.Job.Attempt-1)
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(m.indexKey(msg.VisibleAt, msg.Job.ID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		msg.Job.Attempt++
		msg.VisibleAt = time.Now().Add(delay)
		return m.putMessage(txn, msg)
	})
}

// dropMessage removes a message after its final failure and marks the
// flow failed so the parent is never dispatched.
func (m *Manager) dropMessage(msg *message) error {
	return m.db.Update(func(txn *badger.Txn) error {
		if err := m.deleteMessage(txn, msg); err != nil {
			return err
		}
		if msg.ChildIndex < 0 {
			return m.deleteFlow(txn, msg.Job.FlowID)
		}
		state, err := m.getFlow(txn, msg.Job.FlowID)
		if err != nil {
			return err
		}
		state.Failed = true
		state.Done++
		if state.Done >= state.Total {
			return m.deleteFlow(txn, state.ID)
		}
		return m.putFlow(txn, state)
	})
}

// completeParent deletes the parent message and the flow bookkeeping.
func (m *Manager) completeParent(msg *message) error {
	return m.db.Update(func(txn *badger.Txn) error {
		if err := m.deleteMessage(txn, msg); err != nil {
			return err
		}
		return m.deleteFlow(txn, msg.Job.FlowID)
	})
}

// Close releases the manager's context. The Badger handle is owned by
// the caller.
func (m *Manager) Close() error {
	m.cancel()
	return nil
}

// --- key encoding and record helpers ---

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("q:%s:msg:%s", m.opts.QueueName, id))
}

func (m *Manager) indexPrefix() string {
	return fmt.Sprintf("q:%s:idx:", m.opts.QueueName)
}

func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	// Fixed-width nanos keep index keys sorted by visibility time.
	return []byte(fmt.Sprintf("%s%020d:%s", m.indexPrefix(), visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	rest := string(key[len(m.indexPrefix()):])
	if len(rest) < 22 {
		return time.Time{}, "", fmt.Errorf("malformed index key %q", key)
	}
	var nanos int64
	if _, err := fmt.Sscanf(rest[:20], "%d", &nanos); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos), rest[21:], nil
}

func (m *Manager) flowKey(id string) []byte {
	return []byte(fmt.Sprintf("q:%s:flow:%s", m.opts.QueueName, id))
}

func (m *Manager) resultKey(flowID string, idx int) []byte {
	return []byte(fmt.Sprintf("q:%s:flow:%s:result:%06d", m.opts.QueueName, flowID, idx))
}

func (m *Manager) putMessage(txn *badger.Txn, msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := txn.Set(m.msgKey(msg.Job.ID), data); err != nil {
		return err
	}
	return txn.Set(m.indexKey(msg.VisibleAt, msg.Job.ID), []byte{})
}

func (m *Manager) deleteMessage(txn *badger.Txn, msg *message) error {
	if err := txn.Delete(m.msgKey(msg.Job.ID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err := txn.Delete(m.indexKey(msg.VisibleAt, msg.Job.ID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	return nil
}

func (m *Manager) putFlow(txn *badger.Txn, state *flowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal flow state: %w", err)
	}
	return txn.Set(m.flowKey(state.ID), data)
}

func (m *Manager) getFlow(txn *badger.Txn, id string) (*flowState, error) {
	item, err := txn.Get(m.flowKey(id))
	if err != nil {
		return nil, fmt.Errorf("flow state %s: %w", id, err)
	}
	var state flowState
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &state)
	}); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *Manager) deleteFlow(txn *badger.Txn, id string) error {
	var state *flowState
	state, err := m.getFlow(txn, id)
	if err != nil {
		return nil // already cleaned up
	}
	for i := 0; i < state.Total; i++ {
		if err := txn.Delete(m.resultKey(id, i)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return txn.Delete(m.flowKey(id))
}

func attemptsOrOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
