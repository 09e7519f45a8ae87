package execution

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"trade-router/internal/chain"
	"trade-router/internal/chain/chaintest"
	"trade-router/internal/config"
	"trade-router/internal/signer"
	"trade-router/internal/venue"
)

var testProgram = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")

type curveSpec struct {
	complete bool
}

// harness 以假节点与假场所服务驱动完整的执行流水线。
type harness struct {
	t        *testing.T
	srv      *chaintest.Server
	provider *fakeProvider
	signer   signer.Signer
	mint     solana.PublicKey
	cfg      *config.Config

	mu          sync.Mutex
	blockhashes int
	sent        []*solana.Transaction
}

func newHarness(t *testing.T, curve *curveSpec, decimals uint8) *harness {
	t.Helper()
	s, err := signer.FromBase58(solana.NewWallet().PrivateKey.String())
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	h := &harness{
		t:      t,
		srv:    chaintest.NewServer(t),
		signer: s,
		mint:   solana.NewWallet().PublicKey(),
	}
	h.provider = &fakeProvider{payer: s.PublicKey(), quote: venue.Quote{AmountIn: 15_000_000, ExpectedOut: 500_000}}
	h.cfg = testConfig(h.srv.URL)

	curveAddr, err := venue.CurveAddress(testProgram, h.mint)
	if err != nil {
		t.Fatalf("curve address: %v", err)
	}
	mintData := make([]byte, 82)
	mintData[44] = decimals
	mintData[45] = 1

	h.srv.Handle("getAccountInfo", func(params json.RawMessage) (interface{}, *chaintest.Error) {
		var args []json.RawMessage
		var addr string
		if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
			return nil, &chaintest.Error{Code: -32602, Message: "invalid params"}
		}
		_ = json.Unmarshal(args[0], &addr)
		switch addr {
		case curveAddr.String():
			if curve == nil {
				return chaintest.Context(nil), nil
			}
			return chaintest.AccountValue(testProgram, curveData(curve.complete)), nil
		case h.mint.String():
			return chaintest.AccountValue(solana.TokenProgramID, mintData), nil
		default:
			return chaintest.Context(nil), nil
		}
	})
	h.srv.Handle("getLatestBlockhash", func(json.RawMessage) (interface{}, *chaintest.Error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.blockhashes++
		return chaintest.Blockhash(solana.Hash{byte(h.blockhashes), 0xaa}, 1_000), nil
	})
	h.srv.Handle("getBlockHeight", chaintest.Static(900))
	h.srv.Handle("sendTransaction", h.acceptTransaction)
	h.srv.Handle("getSignatureStatuses", chaintest.Static(chaintest.SignatureStatus("confirmed", nil)))
	return h
}

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		App: config.AppConfig{Environment: "test"},
		RPC: config.RPCConfig{
			Endpoint: endpoint,
			Timeout:  2 * time.Second,
			Retry:    config.RetryConfig{MaxAttempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
		Venue: config.VenueConfig{
			CurveProgram: testProgram.String(),
			Timeout:      time.Second,
		},
		Assembly:     config.AssemblyConfig{ComputeUnitLimit: 200_000},
		Submission:   config.SubmissionConfig{Mode: config.ModeRPC, MaxRetries: 3, Backoff: time.Millisecond, Commitment: "confirmed"},
		Confirmation: config.ConfirmationConfig{PollInterval: time.Millisecond, Timeout: 2 * time.Second},
	}
}

func (h *harness) acceptTransaction(params json.RawMessage) (interface{}, *chaintest.Error) {
	var args []json.RawMessage
	var encoded string
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return nil, &chaintest.Error{Code: -32602, Message: "invalid params"}
	}
	_ = json.Unmarshal(args[0], &encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &chaintest.Error{Code: -32602, Message: "invalid base64"}
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil || len(tx.Signatures) == 0 {
		return nil, &chaintest.Error{Code: -32602, Message: "invalid transaction"}
	}
	h.mu.Lock()
	h.sent = append(h.sent, tx)
	h.mu.Unlock()
	return tx.Signatures[0].String(), nil
}

func (h *harness) sentTransactions() []*solana.Transaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*solana.Transaction(nil), h.sent...)
}

func (h *harness) executor(t *testing.T, recorder Recorder) *Executor {
	t.Helper()
	client := chain.NewClient(h.cfg.RPC, nil)
	rc, err := NewRoutingContextWith(h.cfg, client, h.provider, nil)
	if err != nil {
		t.Fatalf("NewRoutingContextWith returned error: %v", err)
	}
	return rc.NewExecutor(recorder)
}

func curveData(complete bool) []byte {
	disc := sha256.Sum256([]byte("account:BondingCurve"))
	data := append([]byte(nil), disc[:8]...)
	for _, v := range []uint64{1_073_000_000_000_000, 30_000_000_000, 793_100_000_000_000, 0, 1_000_000_000_000_000} {
		data = binary.LittleEndian.AppendUint64(data, v)
	}
	if complete {
		return append(data, 1)
	}
	return append(data, 0)
}

type fakeProvider struct {
	mu     sync.Mutex
	payer  solana.PublicKey
	quote  venue.Quote
	quotes []venue.QuoteRequest
	swaps  []venue.SwapRequest
}

func (f *fakeProvider) Quote(_ context.Context, req venue.QuoteRequest) (venue.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = append(f.quotes, req)
	q := f.quote
	q.Venue, q.Side = req.Venue, req.Side
	return q, nil
}

func (f *fakeProvider) SwapInstructions(_ context.Context, req venue.SwapRequest) (venue.SwapInstructions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swaps = append(f.swaps, req)
	ix := solana.NewInstruction(
		testProgram,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(req.Owner, true, true),
			solana.NewAccountMeta(req.Mint, false, false),
		},
		[]byte{0x66, 0x06, 0x3d, 0x12},
	)
	return venue.SwapInstructions{Instructions: []solana.Instruction{ix}}, nil
}

func (f *fakeProvider) lastQuote() venue.QuoteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotes[len(f.quotes)-1]
}
