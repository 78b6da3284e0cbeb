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
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

// envelope is the internal record stored per message. The visibility index
// key embeds VisibleAt, so every visibility change moves the index entry.
// Body is opaque bytes (base64 in the stored JSON); the queue never assumes
// a payload format.
type envelope struct {
	ID           string    `json:"id"`
	Body         []byte    `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// BadgerQueue is a durable queue on top of a shared Badger instance.
//
// Layout:
//
//	queue:{name}:msg:{id}                      message envelope (JSON)
//	queue:{name}:index:{20-digit-ns}:{id}      visibility index, empty value
//	queue:{name}:dead:{id}                     dead-lettered envelope
//
// The zero-padded nanosecond timestamp makes lexical key order equal
// visibility order, so Receive stops scanning at the first future entry.
type BadgerQueue struct {
	db                *badger.DB
	name              string
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
}

// NewBadgerQueue creates a queue named name on the shared db. maxReceive
// bounds deliveries before dead-lettering; task queues pass 1 because task
// retries are driven from persistent task state, not broker redelivery.
func NewBadgerQueue(db *badger.DB, name string, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 1
	}

	return &BadgerQueue{
		db:                db,
		name:              name,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

// Name returns the queue name
func (q *BadgerQueue) Name() string {
	return q.name
}

// Publish enqueues a message that is immediately visible
func (q *BadgerQueue) Publish(ctx context.Context, body []byte) error {
	return q.PublishDelayed(ctx, body, 0)
}

// PublishDelayed enqueues a message that becomes visible after delay
func (q *BadgerQueue) PublishDelayed(ctx context.Context, body []byte, delay time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return q.put(txn, body, delay)
	})
}

// PublishBatch enqueues all bodies in a single transaction
func (q *BadgerQueue) PublishBatch(ctx context.Context, bodies [][]byte) error {
	if len(bodies) == 0 {
		return nil
	}
	return q.db.Update(func(txn *badger.Txn) error {
		for _, body := range bodies {
			if err := q.put(txn, body, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *BadgerQueue) put(txn *badger.Txn, body []byte, delay time.Duration) error {
	now := time.Now()
	env := envelope{
		ID:         uuid.New().String(),
		Body:       body,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := txn.Set(q.msgKey(env.ID), data); err != nil {
		return err
	}
	return txn.Set(q.indexKey(env.VisibleAt, env.ID), []byte{})
}

// Receive pulls the next visible message. Returns models.ErrNoMessage when
// nothing is ready. Receiving starts a visibility lease; an unACKed message
// reappears after the lease expires. Messages past maxReceive are moved to
// the dead-letter prefix instead of being redelivered.
func (q *BadgerQueue) Receive(ctx context.Context) (*interfaces.Delivery, error) {
	var env envelope
	found := false

	// Dead-letter moves made during the scan must commit even when the scan
	// finds nothing deliverable, so not-found is signaled outside the
	// transaction instead of aborting it.
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", q.name))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index order is visibility order; nothing further is ready
				break
			}

			item, err := txn.Get(q.msgKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			if env.ReceiveCount >= q.maxReceive {
				if err := q.deadLetter(txn, key, &env); err != nil {
					return err
				}
				continue
			}

			env.ReceiveCount++
			env.VisibleAt = now.Add(q.visibilityTimeout)

			data, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := txn.Set(q.msgKey(env.ID), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			found = true
			return txn.Set(q.indexKey(env.VisibleAt, env.ID), []byte{})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.ErrNoMessage
	}

	id := env.ID
	return &interfaces.Delivery{
		ID:           id,
		Body:         env.Body,
		ReceiveCount: env.ReceiveCount,
		Ack:          func() error { return q.ack(id) },
		Extend:       func(d time.Duration) error { return q.extend(id, d) },
	}, nil
}

// deadLetter moves a poisoned message out of the delivery path, keeping the
// envelope for inspection.
func (q *BadgerQueue) deadLetter(txn *badger.Txn, indexKey []byte, env *envelope) error {
	q.logger.Warn().
		Str("queue", q.name).
		Str("message_id", env.ID).
		Int("receive_count", env.ReceiveCount).
		Msg("Message exceeded max receives, moving to dead-letter")

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := txn.Set(q.deadKey(env.ID), data); err != nil {
		return err
	}
	if err := txn.Delete(indexKey); err != nil {
		return err
	}
	return txn.Delete(q.msgKey(env.ID))
}

// ack removes a message after successful processing
func (q *BadgerQueue) ack(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(q.msgKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // already acked
			}
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(env.VisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(q.msgKey(id))
	})
}

// extend renews the visibility lease on an in-flight message
func (q *BadgerQueue) extend(id string, d time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(q.msgKey(id))
		if err != nil {
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		oldVisibleAt := env.VisibleAt
		env.VisibleAt = time.Now().Add(d)

		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(id), data); err != nil {
			return err
		}
		if err := txn.Delete(q.indexKey(oldVisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(q.indexKey(env.VisibleAt, id), []byte{})
	})
}

// Depth reports ready, in-flight and dead-letter counts. A future-visible
// message counts as in-flight once received at least once; messages merely
// published with a delay count as ready.
func (q *BadgerQueue) Depth(ctx context.Context) (*interfaces.QueueDepth, error) {
	depth := &interfaces.QueueDepth{}
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		msgPrefix := []byte(fmt.Sprintf("queue:%s:msg:", q.name))
		for it.Seek(msgPrefix); it.ValidForPrefix(msgPrefix); it.Next() {
			var env envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				continue
			}
			if env.VisibleAt.After(now) && env.ReceiveCount > 0 {
				depth.InFlight++
			} else {
				depth.Ready++
			}
		}

		countOpts := badger.DefaultIteratorOptions
		countOpts.PrefetchValues = false
		deadIt := txn.NewIterator(countOpts)
		defer deadIt.Close()
		deadPrefix := []byte(fmt.Sprintf("queue:%s:dead:", q.name))
		for deadIt.Seek(deadPrefix); deadIt.ValidForPrefix(deadPrefix); deadIt.Next() {
			depth.DeadLetter++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return depth, nil
}

// DeadLetters returns up to limit dead-lettered message bodies
func (q *BadgerQueue) DeadLetters(ctx context.Context, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = 100
	}
	bodies := make([][]byte, 0)
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("queue:%s:dead:", q.name))
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(bodies) < limit; it.Next() {
			var env envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				continue
			}
			bodies = append(bodies, env.Body)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bodies, nil
}

// Key helpers

func (q *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.name, id))
}

func (q *BadgerQueue) deadKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%s", q.name, id))
}

func (q *BadgerQueue) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so lexical ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.name, visibleAt.UnixNano(), id))
}

func (q *BadgerQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", q.name)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 22 { // 20 digits, colon, at least one id byte
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
