package tracker

import (
	"fmt"
	"time"
)

// Record is the wire form of a task used by the bulk import and export
// paths: one JSON object per line, wrapped under an "Item" key in the
// NDJSON files exchanged with the blob store.
type Record struct {
	TaskID          string    `json:"task_id"`
	Status          int       `json:"status"`
	StatusShard     string    `json:"status_shard"`
	CreateTime      time.Time `json:"create_time"`
	UpdateTime      time.Time `json:"update_time"`
	RetryCount      int       `json:"retry_count"`
	ContentRef      string    `json:"content_ref,omitempty"`
	ContentChecksum string    `json:"content_checksum,omitempty"`
}

// Line is the envelope for one NDJSON import/export line.
type Line struct {
	Item Record `json:"Item"`
}

// NewRecord builds a pending record for bulk import. Callers assign strictly
// increasing create times to preserve insertion order within a batch.
func (c Config) NewRecord(taskID string, createTime time.Time) Record {
	key, _ := c.ShardKey(StatusPending, taskID)
	return Record{
		TaskID:      taskID,
		Status:      c.Pending.Code,
		StatusShard: key,
		CreateTime:  createTime,
		UpdateTime:  createTime,
	}
}

// TaskFromRecord converts a wire record back to a Task, failing loud on
// unknown status codes.
func (c Config) TaskFromRecord(rec Record) (Task, error) {
	status, err := c.StatusFromCode(rec.Status)
	if err != nil {
		return Task{}, fmt.Errorf("record %q: %w", rec.TaskID, err)
	}
	return Task{
		TaskID:          rec.TaskID,
		Status:          status,
		CreateTime:      rec.CreateTime,
		UpdateTime:      rec.UpdateTime,
		RetryCount:      rec.RetryCount,
		ContentRef:      rec.ContentRef,
		ContentChecksum: rec.ContentChecksum,
	}, nil
}

// RecordFromTask converts a Task to its wire form.
func (c Config) RecordFromTask(task Task) (Record, error) {
	spec, err := c.Spec(task.Status)
	if err != nil {
		return Record{}, err
	}
	key, err := c.ShardKey(task.Status, task.TaskID)
	if err != nil {
		return Record{}, err
	}
	return Record{
		TaskID:          task.TaskID,
		Status:          spec.Code,
		StatusShard:     key,
		CreateTime:      task.CreateTime,
		UpdateTime:      task.UpdateTime,
		RetryCount:      task.RetryCount,
		ContentRef:      task.ContentRef,
		ContentChecksum: task.ContentChecksum,
	}, nil
}
