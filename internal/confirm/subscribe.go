package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSNotifier 通过 signatureSubscribe 订阅签名通知。
// 每次订阅独占一条连接，通知后连接即关闭。
type WSNotifier struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWSNotifier 创建订阅器，url 为空时返回 nil。
func NewWSNotifier(url string, logger *zap.Logger) *WSNotifier {
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSNotifier{url: url, dialer: websocket.DefaultDialer, logger: logger}
}

type wsMessage struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Subscribe 建立订阅。收到通知后通道发送一次并关闭；连接错误时直接关闭。
func (n *WSNotifier) Subscribe(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (<-chan struct{}, error) {
	if n == nil {
		return nil, errors.New("confirm: 未配置 websocket 地址")
	}
	conn, _, err := n.dialer.DialContext(ctx, n.url, nil)
	if err != nil {
		return nil, fmt.Errorf("confirm: 连接 websocket 失败: %w", err)
	}

	sub := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "signatureSubscribe",
		"params": []interface{}{
			sig.String(),
			map[string]interface{}{"commitment": commitment},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("confirm: 发送订阅失败: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					n.logger.Debug("签名订阅中断", zap.String("signature", sig.String()), zap.Error(err))
				}
				return
			}
			if msg.Error != nil {
				n.logger.Debug("签名订阅被拒绝",
					zap.String("signature", sig.String()),
					zap.Error(errors.New(msg.Error.Message)),
				)
				return
			}
			if msg.Method == "signatureNotification" {
				out <- struct{}{}
				return
			}
		}
	}()
	return out, nil
}
