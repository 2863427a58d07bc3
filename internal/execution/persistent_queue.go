package execution

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// PersistentQueue wraps Queue with a write-ahead log so queued sessions
// survive a process restart. A session is written before it is handed to a
// worker and marked complete once it reaches a terminal state.
type PersistentQueue struct {
	queue      *Queue
	walPath    string
	walFile    *os.File
	mu         sync.Mutex
	metrics    PersistentQueueMetrics
	processing map[string]bool
	closed     bool
}

// PersistentQueueMetrics tracks persistence statistics.
type PersistentQueueMetrics struct {
	Written   uint64 // Tasks written to WAL
	Recovered uint64 // Tasks recovered on startup
	Completed uint64 // Tasks marked complete
	Failed    uint64 // Write failures
}

// walEntry represents a single WAL entry.
type walEntry struct {
	Action    string    `json:"action"` // "ENQUEUE" or "COMPLETE"
	Task      Task      `json:"task"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPersistentQueue creates a persistent queue with WAL at the specified path.
func NewPersistentQueue(walDir string, queueSize int) (*PersistentQueue, error) {
	if err := os.MkdirAll(walDir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	walPath := filepath.Join(walDir, "session_queue.wal")
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	return &PersistentQueue{
		queue:      NewQueue(queueSize),
		walPath:    walPath,
		walFile:    file,
		processing: make(map[string]bool),
	}, nil
}

// Recover loads pending tasks from WAL after restart. Call before Drain so
// interrupted sessions are re-queued ahead of new work.
func (pq *PersistentQueue) Recover() error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	file, err := os.Open(pq.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	enqueued := make(map[string]Task)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Printf("WAL parse error (skipping): %v", err)
			continue
		}

		switch entry.Action {
		case "ENQUEUE":
			enqueued[entry.Task.SessionID] = entry.Task
		case "COMPLETE":
			completed[entry.Task.SessionID] = true
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("WAL scan error: %w", err)
	}

	recoveredCount := 0
	for id, task := range enqueued {
		if !completed[id] {
			pq.processing[id] = true
			pq.queue.Enqueue(task)
			recoveredCount++
		}
	}

	atomic.AddUint64(&pq.metrics.Recovered, uint64(recoveredCount))
	if recoveredCount > 0 {
		log.Printf("Recovered %d pending sessions from WAL", recoveredCount)
	}

	if recoveredCount > 0 || len(completed) > 10 {
		if err := pq.compactWAL(enqueued, completed); err != nil {
			log.Printf("WAL compaction failed: %v", err)
		}
	}

	return nil
}

// compactWAL rewrites WAL with only pending entries.
func (pq *PersistentQueue) compactWAL(enqueued map[string]Task, completed map[string]bool) error {
	tempPath := pq.walPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	kept := 0
	for id, task := range enqueued {
		if !completed[id] {
			entry := walEntry{
				Action:    "ENQUEUE",
				Task:      task,
				Timestamp: task.CreatedAt,
			}
			if err := encoder.Encode(entry); err != nil {
				tempFile.Close()
				os.Remove(tempPath)
				return err
			}
			kept++
		}
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	pq.walFile.Close()
	if err := os.Rename(tempPath, pq.walPath); err != nil {
		return err
	}

	pq.walFile, err = os.OpenFile(pq.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	log.Printf("WAL compacted: kept %d pending entries", kept)
	return nil
}

// Enqueue adds a task with WAL persistence.
func (pq *PersistentQueue) Enqueue(t Task) bool {
	pq.mu.Lock()
	if pq.closed {
		pq.mu.Unlock()
		return false
	}

	entry := walEntry{
		Action:    "ENQUEUE",
		Task:      t,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		log.Printf("WAL marshal failed: %v", err)
		return false
	}

	if _, err := pq.walFile.Write(append(data, '\n')); err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		log.Printf("WAL write failed: %v", err)
		return false
	}

	// Sync to disk for durability
	if err := pq.walFile.Sync(); err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		log.Printf("WAL sync failed: %v", err)
		return false
	}

	pq.processing[t.SessionID] = true
	atomic.AddUint64(&pq.metrics.Written, 1)
	pq.mu.Unlock()

	pq.queue.Enqueue(t)
	return true
}

// MarkComplete marks a task as completed in WAL.
func (pq *PersistentQueue) MarkComplete(sessionID string) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if !pq.processing[sessionID] {
		return
	}

	entry := walEntry{
		Action:    "COMPLETE",
		Task:      Task{SessionID: sessionID},
		Timestamp: time.Now(),
	}
	data, _ := json.Marshal(entry)
	pq.walFile.Write(append(data, '\n'))
	// No sync here; a crash at worst replays an already-terminal session,
	// which the claim check skips.

	delete(pq.processing, sessionID)
	atomic.AddUint64(&pq.metrics.Completed, 1)
}

// Chan exposes the underlying task stream.
func (pq *PersistentQueue) Chan() <-chan Task {
	return pq.queue.Chan()
}

// GetMetrics returns persistence metrics.
func (pq *PersistentQueue) GetMetrics() PersistentQueueMetrics {
	return PersistentQueueMetrics{
		Written:   atomic.LoadUint64(&pq.metrics.Written),
		Recovered: atomic.LoadUint64(&pq.metrics.Recovered),
		Completed: atomic.LoadUint64(&pq.metrics.Completed),
		Failed:    atomic.LoadUint64(&pq.metrics.Failed),
	}
}

// Len returns queue depth.
func (pq *PersistentQueue) Len() int {
	return pq.queue.Len()
}

// Close closes the persistent queue and WAL file.
func (pq *PersistentQueue) Close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.closed = true
	pq.queue.Close()
	if pq.walFile != nil {
		pq.walFile.Sync()
		pq.walFile.Close()
	}
	log.Printf("PersistentQueue closed: written=%d completed=%d",
		atomic.LoadUint64(&pq.metrics.Written),
		atomic.LoadUint64(&pq.metrics.Completed))
}
