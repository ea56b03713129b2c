package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// SubmitFunc 執行一次提交請求，回傳伺服器回應文字
type SubmitFunc func(ctx context.Context, payload types.Payload) (string, error)

// Task 代表一次提交嘗試（每個 Worker 只會收到一個）
type Task struct {
	Submit  SubmitFunc    // 提交函數
	Payload types.Payload // 表單資料（已複製，不可變）
	Timeout time.Duration // 單次提交超時
}
