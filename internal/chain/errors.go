package chain

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrAccountNotFound 表示账户在链上不存在。
	ErrAccountNotFound = errors.New("account not found")
)

// IsRetryable 判断只读 RPC 错误是否可重试。
// 单次调用超时可重试；调用方自身的 ctx 是否已结束由调用方判断。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, rpc.ErrNotFound) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		// -32005 节点落后，-32004 区块暂不可用，-32603 内部错误
		switch rpcErr.Code {
		case -32005, -32004, -32603:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "too many requests", "502", "503", "504", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
