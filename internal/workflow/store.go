package workflow

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

	"github.com/swarmguard/dagflow/internal/obs"
)

var (
	bucketWorkflows  = []byte("workflows")
	bucketExecutions = []byte("executions")
	bucketVersions   = []byte("versions")
	bucketSchedules  = []byte("schedules")
	bucketIndexes    = []byte("indexes")
)

// Store persists Workflow definitions and Execution records in BoltDB,
// fronted by an in-memory read cache warmed at startup. BoltDB is pure Go
// and embeds directly into the service process, with no separate server
// to operate.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	workflowCache  map[string]Workflow
	executionCache map[string]*Execution
	maxCacheSize   int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// NewStore opens (creating if absent) a BoltDB file at dbPath/workflows.db
// and warms its in-memory workflow cache.
func NewStore(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath+"/workflows.db", 0o600, &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions, bucketSchedules, bucketIndexes} {
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

	readLatency, _ := meter.Float64Histogram("swarm_workflow_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("swarm_workflow_db_write_ms")
	cacheHits, _ := meter.Int64Counter("swarm_workflow_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("swarm_workflow_cache_misses_total")

	s := &Store{
		db:             db,
		workflowCache:  make(map[string]Workflow),
		executionCache: make(map[string]*Execution),
		maxCacheSize:   1000,
		readLatency:    readLatency,
		writeLatency:   writeLatency,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}
	_, spanEnd := obs.WithSpan(context.Background(), "store.warm_cache")
	err = s.warmCache()
	spanEnd()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close releases the underlying BoltDB file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutWorkflow stores wf, archiving any prior definition under the same
// name into the version-history bucket first.
func (s *Store) PutWorkflow(ctx context.Context, wf Workflow) error {
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
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", wf.Name, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(wf.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}

	s.workflowCache[wf.Name] = wf
	return nil
}

// GetWorkflow retrieves a workflow by name, preferring the in-memory
// cache.
func (s *Store) GetWorkflow(ctx context.Context, name string) (Workflow, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_workflow")))
	}()

	s.mu.RLock()
	if wf, ok := s.workflowCache[name]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return wf, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))

	var wf Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(name))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return Workflow{}, false, fmt.Errorf("read workflow: %w", err)
	}
	if wf.Name == "" {
		return Workflow{}, false, nil
	}

	s.mu.Lock()
	s.workflowCache[name] = wf
	s.mu.Unlock()
	return wf, true, nil
}

// ListWorkflows returns up to limit cached workflow definitions starting
// at offset.
func (s *Store) ListWorkflows(ctx context.Context, limit, offset int) ([]Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]Workflow, 0, len(s.workflowCache))
	for _, wf := range s.workflowCache {
		all = append(all, wf)
	}

	start := min(offset, len(all))
	end := min(start+limit, len(all))
	return all[start:end], nil
}

// DeleteWorkflow archives wf's current definition into the version
// bucket and removes it from the live workflows bucket and cache.
func (s *Store) DeleteWorkflow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		if data := bucket.Get([]byte(name)); data != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
			if err := versions.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}

	delete(s.workflowCache, name)
	return nil
}

// PutExecution stores exec and indexes it by workflow name and start
// time for range queries.
func (s *Store) PutExecution(ctx context.Context, exec *Execution) error {
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
		indexKey := fmt.Sprintf("%s:%d:%s", exec.WorkflowName, exec.StartTime.UnixNano(), exec.ID)
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

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_execution")))
	}()

	s.mu.RLock()
	if exec, ok := s.executionCache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))
		return exec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))

	var exec Execution
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read execution: %w", err)
	}
	if exec.ID == "" {
		return nil, false, nil
	}
	return &exec, true, nil
}

// ListExecutions returns up to limit executions of workflowName whose
// start time falls within [startTime, endTime], ordered oldest-first.
func (s *Store) ListExecutions(ctx context.Context, workflowName string, startTime, endTime time.Time, limit int) ([]*Execution, error) {
	executions := make([]*Execution, 0, limit)

	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketIndexes)
		execBucket := tx.Bucket(bucketExecutions)

		prefix := []byte(workflowName + ":")
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
			var exec Execution
			if err := json.Unmarshal(data, &exec); err != nil {
				continue
			}
			if exec.StartTime.After(endTime) {
				break
			}
			if exec.StartTime.Before(startTime) {
				continue
			}
			executions = append(executions, &exec)
			count++
		}
		return nil
	})
	return executions, err
}

// GetWorkflowVersions returns up to limit versions of a workflow's
// definition archived by PutWorkflow overwrites, oldest stored first.
// Definitions archived by DeleteWorkflow are stored under an "archive:"
// key prefix and are not returned here.
func (s *Store) GetWorkflowVersions(ctx context.Context, name string, limit int) ([]Workflow, error) {
	versions := make([]Workflow, 0, limit)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		prefix := []byte(name + ":")
		cursor := bucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var wf Workflow
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

// Stats reports bucket sizes and cache occupancy for diagnostics.
func (s *Store) Stats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, name := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions, bucketSchedules} {
			if b := tx.Bucket(name); b != nil {
				stats[string(name)+"_count"] = b.Stats().KeyN
			}
		}
		return nil
	})
	stats["cache_workflows"] = len(s.workflowCache)
	stats["cache_executions"] = len(s.executionCache)
	return stats
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.workflowCache[wf.Name] = wf
			return nil
		})
	})
}

func (s *Store) evictOldestExecution() {
	var oldestID string
	var oldestTime time.Time
	for id, exec := range s.executionCache {
		if oldestID == "" || exec.StartTime.Before(oldestTime) {
			oldestID, oldestTime = id, exec.StartTime
		}
	}
	if oldestID != "" {
		delete(s.executionCache, oldestID)
	}
}
