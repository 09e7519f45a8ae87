package signer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ErrInvalidKey 表示私钥材料无法解析。
var ErrInvalidKey = errors.New("signer: invalid key material")

// Signer 为不透明的签名能力，只暴露公钥与签名操作。
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(message []byte) (solana.Signature, error)
}

type keypairSigner struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

// FromBase58 是唯一解码私钥的入口。
func FromBase58(secret string) (Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: 私钥为空", ErrInvalidKey)
	}
	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: 长度 %d", ErrInvalidKey, len(key))
	}
	return &keypairSigner{key: key, pub: key.PublicKey()}, nil
}

func (s *keypairSigner) PublicKey() solana.PublicKey {
	return s.pub
}

func (s *keypairSigner) Sign(message []byte) (solana.Signature, error) {
	return s.key.Sign(message)
}

func (s *keypairSigner) String() string {
	return "signer(" + s.pub.String() + ")"
}

// GoString 防止 %#v 打印私钥。
func (s *keypairSigner) GoString() string {
	return s.String()
}

// SignTransaction 在交易副本上签名，原交易保持不变。
func SignTransaction(tx *solana.Transaction, s Signer) (*solana.Transaction, error) {
	if tx == nil {
		return nil, errors.New("signer: 交易为空")
	}
	if s == nil {
		return nil, errors.New("signer: 签名者为空")
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	if required != 1 || len(tx.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("signer: 仅支持单签名交易，当前需要 %d 个签名", required)
	}
	if !tx.Message.AccountKeys[0].Equals(s.PublicKey()) {
		return nil, fmt.Errorf("signer: 手续费账户 %s 与签名者 %s 不一致", tx.Message.AccountKeys[0], s.PublicKey())
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("signer: 序列化消息失败: %w", err)
	}
	sig, err := s.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("signer: 签名失败: %w", err)
	}

	signed := *tx
	signed.Signatures = []solana.Signature{sig}
	return &signed, nil
}
