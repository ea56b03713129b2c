// Package types 定義了 sale-sniper 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrSnapshotInvalid 表示快照缺少必要欄位
var ErrSnapshotInvalid = errors.New("snapshot missing required fields")

// ClockOffset 本地時鐘與平台權威時鐘之間的偏移
type ClockOffset struct {
	Platform      string    `json:"platform"`       // 平台名稱（taobao、jd …）
	OffsetSeconds float64   `json:"offset_seconds"` // serverTime - localTime（秒）
	LastSyncAt    time.Time `json:"last_sync_at"`   // 最後一次成功同步的本地時間
}

// Fresh 回報快取偏移在 interval 內是否仍然有效
func (o ClockOffset) Fresh(now time.Time, interval time.Duration) bool {
	if o.LastSyncAt.IsZero() {
		return false
	}
	return now.Sub(o.LastSyncAt) < interval
}

// PriceInfo 商品價格資訊
type PriceInfo struct {
	Price     *float64 `json:"price,omitempty"`
	Promotion string   `json:"promotion,omitempty"`
	Sales     string   `json:"sales,omitempty"`
}

// Equal 深度比較兩個價格資訊（nil 與 nil 相等）
func (p *PriceInfo) Equal(other *PriceInfo) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	if p.Promotion != other.Promotion || p.Sales != other.Sales {
		return false
	}
	if p.Price == nil || other.Price == nil {
		return p.Price == nil && other.Price == nil
	}
	return *p.Price == *other.Price
}

func (p *PriceInfo) String() string {
	if p == nil {
		return "<none>"
	}
	price := "?"
	if p.Price != nil {
		price = fmt.Sprintf("%.2f", *p.Price)
	}
	return fmt.Sprintf("price=%s promotion=%q sales=%q", price, p.Promotion, p.Sales)
}

// Resource 快照附帶的不透明資源（圖片等），核心不解析其內容
type Resource map[string]any

// ResourceSnapshot 目標商品在某一時刻的可售資訊
// 每次成功抓取後整體替換，不做局部修改
type ResourceSnapshot struct {
	Title           string     `json:"title"`
	PriceInfo       *PriceInfo `json:"price_info"`
	TargetTime      string     `json:"target_time"`      // 人類可讀的開售時間
	TargetTimestamp float64    `json:"target_timestamp"` // 開售時間（Unix 秒）
	Resources       []Resource `json:"resources,omitempty"`
}

// Validate 檢查必要欄位：title、target_time、target_timestamp（price_info 可為空）
func (s ResourceSnapshot) Validate() error {
	var missing []string
	if strings.TrimSpace(s.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(s.TargetTime) == "" {
		missing = append(missing, "target_time")
	}
	if s.TargetTimestamp <= 0 || math.IsNaN(s.TargetTimestamp) || math.IsInf(s.TargetTimestamp, 0) {
		missing = append(missing, "target_timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrSnapshotInvalid, strings.Join(missing, ", "))
	}
	return nil
}

// DiffersFrom 判斷標題、價格或開售時間是否有變化
func (s ResourceSnapshot) DiffersFrom(other ResourceSnapshot) bool {
	return s.Title != other.Title ||
		!s.PriceInfo.Equal(other.PriceInfo) ||
		s.TargetTime != other.TargetTime
}

// Target 回傳開售時間
func (s ResourceSnapshot) Target() time.Time {
	return FromEpochSeconds(s.TargetTimestamp)
}

// Payload 提交請求的表單資料，對核心而言是不透明的
type Payload map[string]string

// Clone 複製一份 payload，分派開始後原始資料不可變
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// DispatchJob 一次搶購分派任務，開始分派後不可變
type DispatchJob struct {
	Deadline    float64 `json:"deadline"`     // 觸發時間（經偏移校正的 Unix 秒）
	Payload     Payload `json:"payload"`      // 提交資料
	WorkerCount int     `json:"worker_count"` // 並發提交數（每個 worker 只嘗試一次）
}

// SubmitOutcome 單個 worker 的提交結果
type SubmitOutcome struct {
	WorkerID     int           `json:"worker_id"`
	ResponseText string        `json:"response_text"`
	StartedAt    time.Time     `json:"started_at"`
	ReceivedAt   time.Time     `json:"received_at"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"` // 非空表示提交失敗
}

// Failed 回報此次提交是否失敗（傳輸錯誤、超時、panic）
func (o SubmitOutcome) Failed() bool {
	return o.Error != ""
}

// DispatchResult 一次分派週期的最終結果
type DispatchResult struct {
	Success        bool            `json:"success"`
	WinningOutcome *SubmitOutcome  `json:"winning_outcome,omitempty"`
	AllOutcomes    []SubmitOutcome `json:"all_outcomes"`
	FiredAt        time.Time       `json:"fired_at"`
	Lateness       time.Duration   `json:"lateness"` // 實際觸發時間與 deadline 的差
}

// Failed 回傳失敗的提交數量
func (r DispatchResult) Failed() int {
	n := 0
	for _, o := range r.AllOutcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}

// RunReport 一次完整搶購流程的摘要，用於持久化與通知
type RunReport struct {
	SchemaVer  int              `json:"schema_ver"`
	RunID      string           `json:"run_id"`
	Platform   string           `json:"platform"`
	Target     string           `json:"target"`
	Snapshot   ResourceSnapshot `json:"snapshot"`
	Offset     ClockOffset      `json:"offset"`
	Deadline   float64          `json:"deadline"`
	Changes    int              `json:"changes"`
	Result     *DispatchResult  `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// EpochSeconds 將時間轉為浮點 Unix 秒
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromEpochSeconds 將浮點 Unix 秒轉回時間
func FromEpochSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
