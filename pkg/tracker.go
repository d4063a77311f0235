// tracker.go
package lxdops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const operationKeyPrefix = "operations:"

// OperationTracker is the registry of live operations. It is the only
// component that refreshes them, and it mirrors every snapshot to Redis.
type OperationTracker struct {
	Client      *Client
	RedisClient *redis.Client
	Broadcaster *Broadcaster
	Logger      *zap.Logger

	// Expiration is the TTL of persisted snapshots. Zero keeps them forever.
	Expiration time.Duration

	mu         sync.RWMutex
	operations map[string]*trackedOperation
}

type trackedOperation struct {
	op *Operation
	// persisted is set once a snapshot has been written to Redis, after which
	// a missing key means the snapshot expired.
	persisted bool
}

func NewOperationTracker(client *Client, redisClient *redis.Client, logger *zap.Logger) *OperationTracker {
	return &OperationTracker{
		Client:      client,
		RedisClient: redisClient,
		Broadcaster: NewBroadcaster(redisClient, logger),
		Logger:      logger,
		operations:  make(map[string]*trackedOperation),
	}
}

func operationKey(operationID string) string {
	return operationKeyPrefix + operationID
}

func validateOperationID(operationID string) error {
	if operationID == "" {
		return ErrMissingOperationID
	}
	if _, err := uuid.Parse(operationID); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidOperationID, operationID)
	}
	return nil
}

// Track applies a server response to the operation it describes, creating
// the operation on first sight. Operations that reach a final status are
// released from memory once persisted; GetOperation reads them from Redis.
func (t *OperationTracker) Track(ctx context.Context, resp Response) (*Operation, error) {
	operationID := resp.Metadata.ID
	if err := validateOperationID(operationID); err != nil {
		t.Logger.Warn("Rejected operation update", zap.String("operationID", operationID), zap.Error(err))
		return nil, err
	}

	op := t.lookupOrCreate(operationID)
	op.Refresh(resp)

	md := op.Metadata()
	data, err := json.Marshal(md)
	if err != nil {
		t.Logger.Error("Failed to marshal operation", zap.Error(err))
		return op, ErrFailedToMarshal
	}

	err = t.RedisClient.Set(ctx, operationKey(operationID), data, t.Expiration).Err()
	if err != nil {
		t.Logger.Error("Failed to save operation to Redis", zap.Error(err))
		return op, ErrFailedToSaveToRedis
	}

	if md.StatusCode.IsFinal() {
		t.release(operationID, op)
	} else {
		t.markPersisted(operationID, op)
	}

	if err := t.Broadcaster.Publish(ctx, md); err != nil {
		return op, ErrFailedToPublishUpdate
	}

	t.Logger.Debug("Operation refreshed",
		zap.String("operationID", operationID),
		zap.Stringer("statusCode", md.StatusCode))

	return op, nil
}

// HandleEvent tracks the operation carried by a pushed event.
func (t *OperationTracker) HandleEvent(ctx context.Context, event Event) (*Operation, error) {
	if event.Type != EventTypeOperation {
		return nil, ErrNotOperationEvent
	}

	var md Metadata
	if err := json.Unmarshal(event.Metadata, &md); err != nil {
		t.Logger.Error("Failed to unmarshal operation event", zap.Error(err))
		return nil, ErrFailedToUnmarshal
	}

	return t.Track(ctx, Response{
		Type:       AsyncResponse,
		Status:     md.Status,
		StatusCode: int(md.StatusCode),
		Metadata:   md,
	})
}

// GetOperation returns the tracked operation, rehydrating it from Redis when
// this process has not seen it yet. An operation whose snapshot expired from
// Redis is dropped and reported as not found.
func (t *OperationTracker) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	if err := validateOperationID(operationID); err != nil {
		return nil, err
	}

	t.mu.RLock()
	entry, ok := t.operations[operationID]
	t.mu.RUnlock()
	if ok {
		if !entry.persisted {
			return entry.op, nil
		}
		exists, err := t.RedisClient.Exists(ctx, operationKey(operationID)).Result()
		if err != nil {
			t.Logger.Error("Failed to check operation in Redis", zap.Error(err))
			return nil, err
		}
		if exists == 1 {
			return entry.op, nil
		}
		t.release(operationID, entry.op)
		return nil, ErrOperationNotFound
	}

	md, err := t.load(ctx, operationID)
	if err != nil {
		return nil, err
	}

	// Finished operations are served from Redis without being kept.
	if md.StatusCode.IsFinal() {
		op := t.Client.NewOperation()
		op.Refresh(Response{Type: AsyncResponse, Metadata: md})
		return op, nil
	}

	op := t.lookupOrCreate(operationID)
	if !op.HasStarted() {
		op.Refresh(Response{Type: AsyncResponse, Metadata: md})
	}
	t.markPersisted(operationID, op)
	return op, nil
}

func (t *OperationTracker) ListOperations(ctx context.Context) ([]Metadata, error) {
	keys, err := t.RedisClient.Keys(ctx, operationKeyPrefix+"*").Result()
	if err != nil {
		t.Logger.Error("Failed to retrieve keys", zap.Error(err))
		return nil, ErrFailedToRetrieveKeys
	}
	sort.Strings(keys)
	t.prune(keys)

	operations := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		val, err := t.RedisClient.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var md Metadata
		if err := json.Unmarshal([]byte(val), &md); err != nil {
			continue
		}

		operations = append(operations, md)
	}

	return operations, nil
}

// Forget drops the operation from memory and from Redis.
func (t *OperationTracker) Forget(ctx context.Context, operationID string) error {
	if err := validateOperationID(operationID); err != nil {
		return err
	}

	t.mu.Lock()
	_, tracked := t.operations[operationID]
	delete(t.operations, operationID)
	t.mu.Unlock()

	deleted, err := t.RedisClient.Del(ctx, operationKey(operationID)).Result()
	if err != nil {
		t.Logger.Error("Failed to delete operation from Redis", zap.Error(err))
		return ErrFailedToDeleteRedis
	}

	if !tracked && deleted == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// Tracked reports how many operations are held in memory.
func (t *OperationTracker) Tracked() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.operations)
}

func (t *OperationTracker) lookupOrCreate(operationID string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.operations[operationID]
	if !ok {
		entry = &trackedOperation{op: t.Client.NewOperation()}
		t.operations[operationID] = entry
	}
	return entry.op
}

func (t *OperationTracker) markPersisted(operationID string, op *Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.operations[operationID]; ok && entry.op == op {
		entry.persisted = true
	}
}

func (t *OperationTracker) release(operationID string, op *Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.operations[operationID]; ok && entry.op == op {
		delete(t.operations, operationID)
	}
}

// prune drops persisted operations whose snapshot is no longer in Redis.
func (t *OperationTracker) prune(keys []string) {
	live := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		live[strings.TrimPrefix(key, operationKeyPrefix)] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for operationID, entry := range t.operations {
		if _, ok := live[operationID]; !ok && entry.persisted {
			delete(t.operations, operationID)
			t.Logger.Debug("Dropped expired operation", zap.String("operationID", operationID))
		}
	}
}

func (t *OperationTracker) load(ctx context.Context, operationID string) (Metadata, error) {
	val, err := t.RedisClient.Get(ctx, operationKey(operationID)).Result()
	if errors.Is(err, redis.Nil) {
		return Metadata{}, ErrOperationNotFound
	}
	if err != nil {
		t.Logger.Error("Failed to load operation from Redis", zap.Error(err))
		return Metadata{}, err
	}

	var md Metadata
	if err := json.Unmarshal([]byte(val), &md); err != nil {
		t.Logger.Error("Failed to unmarshal operation", zap.Error(err))
		return Metadata{}, ErrFailedToUnmarshal
	}
	return md, nil
}
