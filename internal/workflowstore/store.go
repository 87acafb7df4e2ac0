// Package workflowstore provides durable storage for Workflow
// definitions and their WorkflowExecution runs, backed by an embedded
// BoltDB file plus a warm in-memory cache. Prior workflow versions are
// archived on overwrite, executions are indexed by (workflow_id, start
// time) for range queries, and the schedules bucket backs
// internal/schedule's persisted cron/event triggers.
package workflowstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/modelrt/internal/types"
)

var (
	bucketWorkflows  = []byte("workflows")
	bucketExecutions = []byte("executions")
	bucketVersions   = []byte("versions")
	bucketIndexes    = []byte("indexes")
	bucketSchedules  = []byte("schedules")
)

// Store is a BoltDB-backed WorkflowStore with a warm memory cache.
type Store struct {
	db             *bbolt.DB
	mu             sync.RWMutex
	memCache       map[string]types.Workflow
	executionCache map[string]*types.WorkflowExecution
	maxCacheSize   int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens a BoltDB-backed Store at dbPath/workflows.db.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath+"/workflows.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions, bucketIndexes, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("modelrt_workflow_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("modelrt_workflow_db_write_ms")
	cacheHits, _ := meter.Int64Counter("modelrt_workflow_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("modelrt_workflow_cache_misses_total")

	s := &Store{
		db:             db,
		memCache:       make(map[string]types.Workflow),
		executionCache: make(map[string]*types.WorkflowExecution),
		maxCacheSize:   1000,
		readLatency:    readLatency,
		writeLatency:   writeLatency,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutWorkflow stores wf, archiving any prior version under the same name.
func (s *Store) PutWorkflow(ctx context.Context, wf types.Workflow) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_workflow")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		if existing := bucket.Get([]byte(wf.Name)); existing != nil {
			versionBucket := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", wf.Name, time.Now().UnixNano())
			if err := versionBucket.Put([]byte(versionKey), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(wf.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}

	s.memCache[wf.Name] = wf
	return nil
}

// GetWorkflow retrieves a workflow by name, preferring the memory cache.
func (s *Store) GetWorkflow(ctx context.Context, name string) (types.Workflow, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_workflow")))
	}()

	s.mu.RLock()
	if wf, ok := s.memCache[name]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return wf, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))

	var wf types.Workflow
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return types.Workflow{}, false, fmt.Errorf("read workflow: %w", err)
	}
	if !found {
		return types.Workflow{}, false, nil
	}

	s.mu.Lock()
	s.memCache[name] = wf
	s.mu.Unlock()
	return wf, true, nil
}

// ListWorkflows returns a page of cached workflows.
func (s *Store) ListWorkflows(limit, offset int) []types.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]types.Workflow, 0, len(s.memCache))
	for _, wf := range s.memCache {
		all = append(all, wf)
	}
	start := offset
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

// DeleteWorkflow removes a workflow, archiving it first.
func (s *Store) DeleteWorkflow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		if data := bucket.Get([]byte(name)); data != nil {
			versionBucket := tx.Bucket(bucketVersions)
			archiveKey := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
			if err := versionBucket.Put([]byte(archiveKey), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	delete(s.memCache, name)
	return nil
}

// PutExecution persists exec and indexes it by (workflow_id, start time).
func (s *Store) PutExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_execution")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", exec.WorkflowID, exec.StartedAt.UnixNano(), exec.ID)
		return tx.Bucket(bucketIndexes).Put([]byte(indexKey), []byte(exec.ID))
	})
	if err != nil {
		return fmt.Errorf("write execution: %w", err)
	}

	if len(s.executionCache) >= s.maxCacheSize {
		s.evictOldestExecution()
	}
	s.executionCache[exec.ID] = exec
	return nil
}

// GetExecution retrieves an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, bool, error) {
	s.mu.RLock()
	if exec, ok := s.executionCache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))
		return exec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))

	var exec types.WorkflowExecution
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read execution: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &exec, true, nil
}

// ListExecutions returns executions for workflowID started within
// [start, end] (both ends inclusive), in ascending index-key order.
func (s *Store) ListExecutions(workflowID string, start, end time.Time, limit int) ([]*types.WorkflowExecution, error) {
	results := make([]*types.WorkflowExecution, 0, limit)

	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketIndexes)
		execBucket := tx.Bucket(bucketExecutions)
		prefix := []byte(workflowID + ":")
		cursor := indexBucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var exec types.WorkflowExecution
			if err := json.Unmarshal(data, &exec); err != nil {
				continue
			}
			if exec.StartedAt.After(end) {
				break
			}
			if exec.StartedAt.Before(start) {
				continue
			}
			results = append(results, &exec)
			count++
		}
		return nil
	})
	return results, err
}

// GetWorkflowVersions returns archived versions of name, oldest first.
func (s *Store) GetWorkflowVersions(name string, limit int) ([]types.Workflow, error) {
	versions := make([]types.Workflow, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		prefix := []byte(name + ":")
		cursor := bucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				continue
			}
			versions = append(versions, wf)
			count++
		}
		return nil
	})
	return versions, err
}

// PutSchedule persists a ScheduleConfig keyed by its WorkflowName.
func (s *Store) PutSchedule(ctx context.Context, cfg types.ScheduleConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(cfg.WorkflowName), data)
	})
}

// ListSchedules returns every persisted ScheduleConfig.
func (s *Store) ListSchedules() ([]types.ScheduleConfig, error) {
	schedules := make([]types.ScheduleConfig, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var cfg types.ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil
			}
			schedules = append(schedules, cfg)
			return nil
		})
	})
	return schedules, err
}

// DeleteSchedule removes the persisted schedule for workflowName, if any.
func (s *Store) DeleteSchedule(ctx context.Context, workflowName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(workflowName))
	})
}

// Stats reports bucket sizes and cache occupancy.
func (s *Store) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, name := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions, bucketSchedules} {
			if b := tx.Bucket(name); b != nil {
				stats[string(name)+"_count"] = b.Stats().KeyN
			}
		}
		return nil
	})
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats["cache_workflows"] = len(s.memCache)
	stats["cache_executions"] = len(s.executionCache)
	return stats
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.memCache[wf.Name] = wf
			return nil
		})
	})
}

func (s *Store) evictOldestExecution() {
	var oldestID string
	var oldestTime time.Time
	for id, exec := range s.executionCache {
		if oldestID == "" || exec.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = exec.StartedAt
		}
	}
	if oldestID != "" {
		delete(s.executionCache, oldestID)
	}
}
