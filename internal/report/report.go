package report

// ============================================================================
// 職責說明：
// 1. 將一次搶購的 RunReport 序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 供 status 指令顯示最近一次結果
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// SchemaVersion 目前的報告格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedReport     = errors.New("report: file is corrupted")
	ErrIncompatibleVersion = errors.New("report: schema version is incompatible")
	ErrReportNotFound      = errors.New("report: file not found")
)

// Store 報告儲存
type Store struct {
	path string     // 報告檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewStore 建立報告儲存實例
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Write 原子性寫入報告
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *Store) Write(rep types.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report: create dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("report: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("report: rename: %w", err)
	}
	return nil
}

// Load 載入報告
//
// 行為：
//   - 檔案不存在時回傳 ErrReportNotFound
//   - 驗證 schema 版本
//   - 偵測損壞的檔案
func (s *Store) Load() (types.RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep types.RunReport
	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep, ErrReportNotFound
		}
		return rep, fmt.Errorf("report: read: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &rep); err != nil {
		return rep, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if rep.SchemaVer != SchemaVersion {
		return rep, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rep.SchemaVer, SchemaVersion)
	}
	return rep, nil
}

// Exists 檢查報告檔案是否存在
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// GetPath 取得報告檔案路徑
func (s *Store) GetPath() string {
	return s.path
}

// Summary 將報告格式化為一行文字，zone 決定時間顯示的時區
func Summary(rep types.RunReport, zone *time.Location) string {
	if zone == nil {
		zone = time.UTC
	}
	deadline := types.FromEpochSeconds(rep.Deadline).In(zone).Format("2006/01/02 15:04:05.000")

	switch {
	case rep.Result == nil && rep.Error != "":
		return fmt.Sprintf("run %s on %s aborted before firing (deadline %s): %s",
			rep.RunID, rep.Platform, deadline, rep.Error)
	case rep.Result == nil:
		return fmt.Sprintf("run %s on %s did not fire (deadline %s)", rep.RunID, rep.Platform, deadline)
	}

	res := rep.Result
	verdict := "FAILED"
	if res.Success {
		verdict = fmt.Sprintf("SUCCESS by worker %d", res.WinningOutcome.WorkerID)
	}
	return fmt.Sprintf("run %s on %s %s: %d outcomes (%d failed), deadline %s, lateness %s",
		rep.RunID, rep.Platform, verdict, len(res.AllOutcomes), res.Failed(), deadline, res.Lateness)
}
