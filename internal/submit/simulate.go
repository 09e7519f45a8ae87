package submit

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"trade-router/internal/signer"
	"trade-router/internal/txbuild"
)

type simulator interface {
	Simulate(ctx context.Context, tx *solana.Transaction, commitment rpc.CommitmentType) (*rpc.SimulateTransactionResult, error)
}

// SimulateTransport 用于演练模式：签名后只做模拟，不广播。
type SimulateTransport struct {
	client     simulator
	commitment rpc.CommitmentType
	logger     *zap.Logger
}

// NewSimulateTransport 创建演练通道。
func NewSimulateTransport(client simulator, commitment rpc.CommitmentType, logger *zap.Logger) *SimulateTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulateTransport{client: client, commitment: commitment, logger: logger}
}

func (t *SimulateTransport) Name() string { return NameSimulate }

func (t *SimulateTransport) Send(ctx context.Context, built *txbuild.BuiltTransaction, s signer.Signer) (Receipt, error) {
	signed, err := signer.SignTransaction(built.Tx, s)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit: %w", err)
	}

	res, err := t.client.Simulate(ctx, signed, t.commitment)
	if err != nil {
		return Receipt{}, classifySendError(NameSimulate, err)
	}
	if res.Err != nil {
		return Receipt{}, fmt.Errorf("%w: simulate: %v", ErrRejected, res.Err)
	}

	receipt := Receipt{
		Signature: signed.Signatures[0],
		Transport: NameSimulate,
		Built:     built,
		Simulated: true,
		Logs:      res.Logs,
	}
	if res.UnitsConsumed != nil {
		receipt.UnitsConsumed = *res.UnitsConsumed
	}
	t.logger.Info("演练模拟完成",
		zap.String("signature", receipt.Signature.String()),
		zap.Uint64("units_consumed", receipt.UnitsConsumed),
	)
	return receipt, nil
}
