package execution

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrMaxRetriesExceeded 表示可重试错误耗尽了全部尝试次数。
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// TradeError 为交易终止时返回的错误，携带最后已知签名与全部尝试记录。
// errors.Is 同时作用于错误类别与底层原因。
type TradeError struct {
	TradeID   string
	Stage     Stage
	Signature solana.Signature
	Attempts  []SubmissionAttempt
	Err       error
}

func (e *TradeError) Error() string {
	if e.Signature != (solana.Signature{}) {
		return fmt.Sprintf("execution: 交易 %s 在 %s 阶段终止 (signature=%s): %v", e.TradeID, e.Stage, e.Signature, e.Err)
	}
	return fmt.Sprintf("execution: 交易 %s 在 %s 阶段终止: %v", e.TradeID, e.Stage, e.Err)
}

func (e *TradeError) Unwrap() error {
	return e.Err
}
