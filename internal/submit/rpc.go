package submit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trade-router/internal/signer"
	"trade-router/internal/txbuild"
)

// RPCTransport 通过通用 RPC 节点广播，跳过预检。
type RPCTransport struct {
	client sender
	logger *zap.Logger
}

// NewRPCTransport 创建标准广播通道。
func NewRPCTransport(client sender, logger *zap.Logger) *RPCTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCTransport{client: client, logger: logger}
}

func (t *RPCTransport) Name() string { return NameRPC }

// Send 签名并发送一次。
func (t *RPCTransport) Send(ctx context.Context, built *txbuild.BuiltTransaction, s signer.Signer) (Receipt, error) {
	signed, err := signer.SignTransaction(built.Tx, s)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	sig, err := t.client.SendTransaction(ctx, signed, sendOpts())
	if err != nil {
		return Receipt{}, classifySendError(NameRPC, err)
	}

	t.logger.Info("交易已广播",
		zap.String("transport", NameRPC),
		zap.String("signature", sig.String()),
		zap.Uint64("last_valid_block_height", built.LastValidBlockHeight),
	)
	return Receipt{Signature: sig, Transport: NameRPC, Built: built}, nil
}
