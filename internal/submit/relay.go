package submit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"trade-router/internal/signer"
	"trade-router/internal/txbuild"
)

// RelayTransport 通过低延迟中继发送，交易必须以向中继小费账户的转账结尾。
type RelayTransport struct {
	client      sender
	tipAccounts []solana.PublicKey
	logger      *zap.Logger
}

// NewRelayTransport 创建中继通道。
func NewRelayTransport(client sender, tipAccounts []solana.PublicKey, logger *zap.Logger) (*RelayTransport, error) {
	if len(tipAccounts) == 0 {
		return nil, errors.New("submit: 中继通道至少需要一个小费账户")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	accounts := make([]solana.PublicKey, len(tipAccounts))
	copy(accounts, tipAccounts)
	return &RelayTransport{client: client, tipAccounts: accounts, logger: logger}, nil
}

// ParseTipAccounts 解析配置中的小费账户。
func ParseTipAccounts(raw []string) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(raw))
	for _, r := range raw {
		pk, err := solana.PublicKeyFromBase58(r)
		if err != nil {
			return nil, fmt.Errorf("submit: 小费账户 %q 无效: %w", r, err)
		}
		out = append(out, pk)
	}
	return out, nil
}

func (t *RelayTransport) Name() string { return NameRelay }

// TipAccount 随机选择一个小费账户，分散写锁竞争。
func (t *RelayTransport) TipAccount() solana.PublicKey {
	return t.tipAccounts[rand.IntN(len(t.tipAccounts))]
}

// Send 校验小费指令后签名并发送一次。
func (t *RelayTransport) Send(ctx context.Context, built *txbuild.BuiltTransaction, s signer.Signer) (Receipt, error) {
	if !built.TipsAny(t.tipAccounts) {
		return Receipt{}, ErrMissingTip
	}
	signed, err := signer.SignTransaction(built.Tx, s)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	sig, err := t.client.SendTransaction(ctx, signed, sendOpts())
	if err != nil {
		return Receipt{}, classifySendError(NameRelay, err)
	}

	t.logger.Info("交易已提交中继",
		zap.String("transport", NameRelay),
		zap.String("signature", sig.String()),
		zap.Uint64("tip_lamports", built.Tip.Lamports),
		zap.String("tip_account", built.Tip.Account.String()),
	)
	return Receipt{Signature: sig, Transport: NameRelay, Built: built}, nil
}
