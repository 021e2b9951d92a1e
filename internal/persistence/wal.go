package persistence

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// 日志类型
const (
	entryRetry = "RETRY" // 规划失败，等待重试
	entryDone  = "DONE"  // 重试成功或已放弃
)

// LogEntry 代表 WAL 文件中的一条日志记录
type LogEntry struct {
	Type     string    `json:"type"`
	LotID    string    `json:"lot_id"`
	Attempts int       `json:"attempts,omitempty"` // 累计失败次数
	Error    string    `json:"error,omitempty"`
	FirstAt  time.Time `json:"first_at,omitempty"` // 首次失败时间，重复失败时沿用
	At       time.Time `json:"at"`
}

// Outbox 是基于预写日志的持久化重试队列
// 规划失败的 Lot 写入 RETRY，成功后写入 DONE；重启后从文件恢复未完成的条目
type Outbox struct {
	file    *os.File
	mu      sync.Mutex
	pending map[string]LogEntry
	now     func() time.Time
}

// OpenOutbox 创建或打开一个重试日志文件，并回放已有记录
func OpenOutbox(path string) (*Outbox, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	o := &Outbox{file: file, pending: make(map[string]LogEntry), now: func() time.Time { return time.Now().UTC() }}
	if err := o.replay(); err != nil {
		file.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) replay() error {
	if _, err := o.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	scanner := bufio.NewScanner(o.file)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}
		switch entry.Type {
		case entryRetry:
			if entry.FirstAt.IsZero() {
				entry.FirstAt = entry.At
			}
			o.pending[entry.LotID] = entry
		case entryDone:
			delete(o.pending, entry.LotID)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err := o.file.Seek(0, io.SeekEnd)
	return err
}

func (o *Outbox) write(entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := o.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘
	return o.file.Sync()
}

// Append 记录一次失败，返回累计失败次数
func (o *Outbox) Append(lotID string, cause error) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	prev, ok := o.pending[lotID]
	entry := LogEntry{Type: entryRetry, LotID: lotID, Attempts: prev.Attempts + 1, FirstAt: now, At: now}
	if ok {
		entry.FirstAt = prev.FirstAt
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := o.write(entry); err != nil {
		return entry.Attempts, err
	}
	o.pending[lotID] = entry
	return entry.Attempts, nil
}

// Complete 标记 Lot 已不再需要重试；不在队列中时为 no-op
func (o *Outbox) Complete(lotID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.pending[lotID]; !ok {
		return nil
	}
	if err := o.write(LogEntry{Type: entryDone, LotID: lotID, At: o.now()}); err != nil {
		return err
	}
	delete(o.pending, lotID)
	return nil
}

// Pending 返回所有待重试的条目，按首次记录时间排序
func (o *Outbox) Pending() []LogEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]LogEntry, 0, len(o.pending))
	for _, e := range o.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstAt.Equal(out[j].FirstAt) {
			return out[i].LotID < out[j].LotID
		}
		return out[i].FirstAt.Before(out[j].FirstAt)
	})
	return out
}

// Has 判断 Lot 是否在重试队列中
func (o *Outbox) Has(lotID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[lotID]
	return ok
}

// Close 关闭日志文件
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.file.Close()
}
