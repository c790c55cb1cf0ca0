package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// Bucket names, grounded on the teacher's persistence.go bucket-per-entity-type layout.
var (
	bucketTasks   = []byte("tasks")
	bucketResults = []byte("results")
	bucketHistory = []byte("history")
	bucketArchive = []byte("archive") // soft-deleted tasks, same pattern as the teacher's versioning buckets
)

// BoltStore is the pluggable persistent Store backend (spec §4.2 "a storage layer MAY wrap the
// primary with a secondary cache for reads"): bbolt on disk, fronted by the same in-memory cache
// MemoryStore uses for hot reads.
type BoltStore struct {
	db    *bbolt.DB
	cache *MemoryStore
}

// NewBoltStore opens (or creates) the database at path and warms the cache from it.
func NewBoltStore(path string, cacheCapacity int) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketResults, bucketHistory, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	bs := &BoltStore{db: db, cache: NewMemoryStore(cacheCapacity)}
	if err := bs.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: warm cache: %w", err)
	}
	return bs, nil
}

func (bs *BoltStore) warmCache() error {
	return bs.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var rec TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			bs.cache.tasks[string(k)] = rec
			return nil
		})
	})
}

func (bs *BoltStore) CreateTask(rec TaskRecord) error {
	existing, ok, err := bs.GetTask(rec.Task.ID)
	if err != nil {
		return err
	}
	if ok {
		_ = existing
		return model.NewError(model.ErrKindAlreadyExists, rec.Task.ID)
	}
	if err := bs.putTask(rec); err != nil {
		return err
	}
	return bs.cache.CreateTask(rec)
}

func (bs *BoltStore) putTask(rec TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal task: %w", err)
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(rec.Task.ID), data)
	})
}

func (bs *BoltStore) GetTask(id string) (TaskRecord, bool, error) {
	if rec, ok, _ := bs.cache.GetTask(id); ok {
		return rec, true, nil
	}
	var rec TaskRecord
	found := false
	err := bs.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketTasks).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("store: get task: %w", err)
	}
	return rec, found, nil
}

func (bs *BoltStore) UpdateTaskStatus(id string, status model.TaskStatus) error {
	rec, ok, err := bs.GetTask(id)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewError(model.ErrKindTaskNotFound, id)
	}
	if rec.Status.IsTerminal() && !status.IsTerminal() {
		return model.NewError(model.ErrKindInvalidConfig, "cannot transition out of a terminal status")
	}
	rec.Status = status
	rec.Task.UpdatedAt = time.Now()
	if err := bs.putTask(rec); err != nil {
		return err
	}
	return bs.cache.UpdateTask(rec)
}

func (bs *BoltStore) UpdateTask(rec TaskRecord) error {
	existing, ok, err := bs.GetTask(rec.Task.ID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewError(model.ErrKindTaskNotFound, rec.Task.ID)
	}
	if existing.Status.IsTerminal() && !rec.Status.IsTerminal() {
		return model.NewError(model.ErrKindInvalidConfig, "cannot transition out of a terminal status")
	}
	rec.Task.UpdatedAt = time.Now()
	if err := bs.putTask(rec); err != nil {
		return err
	}
	return bs.cache.UpdateTask(rec)
}

func (bs *BoltStore) StoreResult(result model.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	if err := bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(result.TaskID), data)
	}); err != nil {
		return err
	}
	return bs.cache.StoreResult(result)
}

func (bs *BoltStore) GetResult(id string) (model.TaskResult, bool, error) {
	if r, ok, _ := bs.cache.GetResult(id); ok {
		return r, true, nil
	}
	var r model.TaskResult
	found := false
	err := bs.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketResults).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &r)
	})
	return r, found, err
}

func (bs *BoltStore) ListTasks(filter ListFilter) ([]TaskRecord, error) {
	return bs.cache.ListTasks(filter)
}

func (bs *BoltStore) GetTasksByDependency(predecessorID string) ([]TaskRecord, error) {
	return bs.cache.GetTasksByDependency(predecessorID)
}

func (bs *BoltStore) DeleteTask(id string) error {
	rec, ok, err := bs.GetTask(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	data, _ := json.Marshal(rec)
	if err := bs.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketArchive).Put([]byte(id), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketResults).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("store: delete task: %w", err)
	}
	return bs.cache.DeleteTask(id)
}

func (bs *BoltStore) CleanupOldResults(olderThan time.Time) error {
	if err := bs.cache.CleanupOldResults(olderThan); err != nil {
		return err
	}
	recs, err := bs.cache.ListTasks(ListFilter{})
	if err != nil {
		return err
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResults)
		for _, rec := range recs {
			if rec.Status.IsTerminal() && rec.Task.UpdatedAt.Before(olderThan) {
				if err := b.Delete([]byte(rec.Task.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (bs *BoltStore) AppendHistory(entry model.ExecutionHistory) error {
	if err := bs.cache.AppendHistory(entry); err != nil {
		return err
	}
	all, err := bs.cache.ListHistory(entry.TaskID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHistory).Put([]byte(entry.TaskID), data)
	})
}

func (bs *BoltStore) ListHistory(taskID string) ([]model.ExecutionHistory, error) {
	if cached, err := bs.cache.ListHistory(taskID); err == nil && len(cached) > 0 {
		return cached, nil
	}
	var out []model.ExecutionHistory
	err := bs.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketHistory).Get([]byte(taskID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &out)
	})
	return out, err
}

func (bs *BoltStore) Close() error {
	return bs.db.Close()
}
