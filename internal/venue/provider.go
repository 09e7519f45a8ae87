package venue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"trade-router/internal/config"
)

// QuoteRequest 描述一次报价请求，Amount 为代币最小单位。
type QuoteRequest struct {
	Venue Kind
	Side  Side
	Mint  solana.PublicKey
	Owner solana.PublicKey
	// 买入时为期望得到的代币数量，卖出时为卖出的代币数量。
	Amount uint64
}

// Quote 为场所给出的报价。兑换总是按 AmountIn 精确输入执行。
type Quote struct {
	Venue       Kind
	Side        Side
	AmountIn    uint64
	ExpectedOut uint64
}

// SwapRequest 描述需要构建的兑换指令。
type SwapRequest struct {
	Venue    Kind
	Side     Side
	Mint     solana.PublicKey
	Owner    solana.PublicKey
	AmountIn uint64
	MinOut   uint64
}

// SwapInstructions 为场所返回的兑换指令及其引用的地址查找表。
type SwapInstructions struct {
	Instructions []solana.Instruction
	LookupTables []solana.PublicKey
}

// Provider 抽象场所报价与指令构建服务，曲线与池子的定价公式在其内部实现。
type Provider interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	SwapInstructions(ctx context.Context, req SwapRequest) (SwapInstructions, error)
}

// HTTPProvider 通过 HTTP 调用外部场所服务。
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPProvider 创建 HTTP 场所服务客户端。
func NewHTTPProvider(cfg config.VenueConfig, logger *zap.Logger) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		endpoint: strings.TrimRight(cfg.QuoteEndpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type quotePayload struct {
	Venue  Kind   `json:"venue"`
	Side   Side   `json:"side"`
	Mint   string `json:"mint"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

type quoteResponse struct {
	AmountIn    json.Number `json:"amountIn"`
	ExpectedOut json.Number `json:"expectedOut"`
}

type swapPayload struct {
	Venue    Kind   `json:"venue"`
	Side     Side   `json:"side"`
	Mint     string `json:"mint"`
	Owner    string `json:"owner"`
	AmountIn string `json:"amountIn"`
	MinOut   string `json:"minOut"`
}

type swapResponse struct {
	Instructions                []instructionJSON `json:"instructions"`
	AddressLookupTableAddresses []string          `json:"addressLookupTableAddresses"`
}

type instructionJSON struct {
	ProgramID string        `json:"programId"`
	Accounts  []accountJSON `json:"accounts"`
	Data      string        `json:"data"`
}

type accountJSON struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// Quote 请求报价。
func (p *HTTPProvider) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	var resp quoteResponse
	if err := p.post(ctx, "/quote", quotePayload{
		Venue:  req.Venue,
		Side:   req.Side,
		Mint:   req.Mint.String(),
		Owner:  req.Owner.String(),
		Amount: fmt.Sprintf("%d", req.Amount),
	}, &resp); err != nil {
		return Quote{}, err
	}

	amountIn, err := parseUint(resp.AmountIn, "amountIn")
	if err != nil {
		return Quote{}, err
	}
	expectedOut, err := parseUint(resp.ExpectedOut, "expectedOut")
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Venue:       req.Venue,
		Side:        req.Side,
		AmountIn:    amountIn,
		ExpectedOut: expectedOut,
	}, nil
}

// SwapInstructions 请求兑换指令，并在边界处校验返回结构。
func (p *HTTPProvider) SwapInstructions(ctx context.Context, req SwapRequest) (SwapInstructions, error) {
	var resp swapResponse
	if err := p.post(ctx, "/swap-instructions", swapPayload{
		Venue:    req.Venue,
		Side:     req.Side,
		Mint:     req.Mint.String(),
		Owner:    req.Owner.String(),
		AmountIn: fmt.Sprintf("%d", req.AmountIn),
		MinOut:   fmt.Sprintf("%d", req.MinOut),
	}, &resp); err != nil {
		return SwapInstructions{}, err
	}

	if len(resp.Instructions) == 0 {
		return SwapInstructions{}, fmt.Errorf("%w: 场所未返回兑换指令", ErrVenueQueryFailed)
	}

	out := SwapInstructions{
		Instructions: make([]solana.Instruction, 0, len(resp.Instructions)),
		LookupTables: make([]solana.PublicKey, 0, len(resp.AddressLookupTableAddresses)),
	}
	for i, raw := range resp.Instructions {
		ix, err := raw.decode()
		if err != nil {
			return SwapInstructions{}, fmt.Errorf("%w: 第 %d 条指令无效: %w", ErrVenueQueryFailed, i, err)
		}
		out.Instructions = append(out.Instructions, ix)
	}
	for _, addr := range resp.AddressLookupTableAddresses {
		key, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return SwapInstructions{}, fmt.Errorf("%w: 查找表地址 %q 无效", ErrVenueQueryFailed, addr)
		}
		out.LookupTables = append(out.LookupTables, key)
	}

	return out, nil
}

func (ij instructionJSON) decode() (solana.Instruction, error) {
	program, err := solana.PublicKeyFromBase58(ij.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("programId %q: %w", ij.ProgramID, err)
	}
	data, err := base64.StdEncoding.DecodeString(ij.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	metas := make(solana.AccountMetaSlice, 0, len(ij.Accounts))
	for _, acc := range ij.Accounts {
		key, err := solana.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", acc.Pubkey, err)
		}
		metas = append(metas, solana.NewAccountMeta(key, acc.IsWritable, acc.IsSigner))
	}
	return solana.NewInstruction(program, metas, data), nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("venue: 序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("venue: 创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %w", ErrVenueQueryFailed, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: 读取响应失败: %w", ErrVenueQueryFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s 返回 %d: %s", ErrVenueQueryFailed, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %s 响应结构异常: %w", ErrVenueQueryFailed, path, err)
	}

	p.logger.Debug("场所服务调用完成",
		zap.String("path", path),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}

func parseUint(n json.Number, field string) (uint64, error) {
	if n == "" {
		return 0, fmt.Errorf("%w: 缺少字段 %s", ErrVenueQueryFailed, field)
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: 字段 %s=%q 不是无符号整数", ErrVenueQueryFailed, field, n)
	}
	return v, nil
}

var _ Provider = (*HTTPProvider)(nil)
