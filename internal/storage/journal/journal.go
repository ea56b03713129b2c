package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加每次搶購的事件到日誌檔案（append-only JSON lines）
// 2. 提供重放功能，供 status 指令與事後分析使用
// 3. 以 CRC32 校驗每筆記錄
// 4. 重新開啟時延續最後的序號
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 表示一個事件日誌實例，可安全並發寫入
type Journal struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	now          func() time.Time
}

// Open 建立或開啟日誌
//
// 行為：
// - 父目錄不存在時自動建立
// - 檔案已存在時讀取最大的有效 seq 並繼續
// - 崩潰留下的半行記錄會被截斷
// - 以 O_APPEND 開啟，寫入不覆蓋
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	seq, err := recoverTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	return &Journal{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append 追加一個事件，data 會被編碼為 JSON
func (j *Journal) Append(eventType EventType, runID string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("journal: encode %s data: %w", eventType, err)
		}
		raw = b
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	seq := j.seq + 1
	event := Event{
		Seq:       seq,
		Type:      eventType,
		RunID:     runID,
		Timestamp: j.now().UnixMilli(),
		Data:      raw,
		Checksum:  CalculateChecksum(seq, eventType, runID, raw),
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("journal: encode event: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal: append at seq=%d: %w", seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync at seq=%d: %w", seq, err)
		}
	}
	j.seq = seq
	return nil
}

// Replay 從頭重放所有事件，遇到損壞或 handler 錯誤立即停止
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()
	return ReplayFile(path, handler)
}

// ReplayFile 重放指定檔案，不需要開啟寫入端
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scan(file, func(line int, event Event) error {
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Seq, event.Type, event.RunID, event.Data),
				Actual:   event.Checksum,
			}
		}
		return handler(event)
	})
}

// Sync 強制寫入磁碟
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.file.Sync()
}

// Close 關閉日誌，之後的 Append 回傳 ErrJournalClosed
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (j *Journal) GetLastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the file path.
func (j *Journal) Path() string { return j.path }

// recoverTail scans an existing file for the highest seq; a missing file starts at 0.
// A torn final line (crash mid-write, no trailing newline) is truncated away so
// the next append starts on a clean line. Complete but unparseable lines are
// left in place for Replay to report.
func recoverTail(path string) (uint64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: open for scan: %w", err)
	}
	defer file.Close()

	var (
		seq   uint64
		valid int64 // offset just past the last complete line
		size  int64
	)
	reader := bufio.NewReader(file)
	for {
		raw, readErr := reader.ReadBytes('\n')
		size += int64(len(raw))
		if readErr == nil {
			valid = size
			var event Event
			if json.Unmarshal(raw, &event) == nil && event.Seq > seq {
				seq = event.Seq
			}
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		return 0, fmt.Errorf("journal: scan: %w", readErr)
	}

	if size > valid {
		if err := os.Truncate(path, valid); err != nil {
			return 0, fmt.Errorf("journal: truncate torn tail: %w", err)
		}
	}
	return seq, nil
}

// scan decodes one JSON event per line.
func scan(r io.Reader, fn func(line int, event Event) error) error {
	reader := bufio.NewReader(r)
	for line := 1; ; line++ {
		raw, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			var event Event
			if decodeErr := json.Unmarshal(raw, &event); decodeErr != nil {
				return &CorruptionError{Line: line, Cause: decodeErr}
			}
			if fnErr := fn(line, event); fnErr != nil {
				return fnErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
