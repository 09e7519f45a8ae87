package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trade-router/internal/amount"
	"trade-router/internal/execution"
	"trade-router/internal/monitor"
	"trade-router/internal/signer"
	"trade-router/internal/txbuild"
	"trade-router/internal/venue"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

type journal interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
	GetTrade(ctx context.Context, id string) (monitor.TradeRecord, error)
}

type venuePeeker interface {
	Peek(ctx context.Context, mint solana.PublicKey) (venue.State, error)
}

// apiRouter 暴露交易流水查询、场所预览与下单接口。
type apiRouter struct {
	journal journal
	trader  execution.Trader
	venues  venuePeeker
	wallet  signer.Signer
	logger  *zap.Logger
}

func (a *apiRouter) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(a.requestLogging)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/events", a.listEvents)
	r.Post("/trades", a.submitTrade)
	r.Get("/trades/{trade_id}", a.getTrade)
	r.Get("/venues/{mint}", a.previewVenue)

	return r
}

func (a *apiRouter) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > maxEventLimit {
				v = maxEventLimit
			}
			limit = v
		}
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	events, err := a.journal.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, events)
}

func (a *apiRouter) getTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "trade_id")
	record, err := a.journal.GetTrade(r.Context(), id)
	if err != nil {
		if errors.Is(err, monitor.ErrTradeNotFound) {
			a.writeError(w, http.StatusNotFound, err)
			return
		}
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, record)
}

type venueResponse struct {
	State    venue.State `json:"state"`
	Selected venue.Kind  `json:"selected"`
}

func (a *apiRouter) previewVenue(w http.ResponseWriter, r *http.Request) {
	mint, err := solana.PublicKeyFromBase58(chi.URLParam(r, "mint"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("mint 非法: %w", err))
		return
	}
	state, err := a.venues.Peek(r.Context(), mint)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err)
		return
	}
	a.writeJSON(w, http.StatusOK, venueResponse{State: state, Selected: venue.SelectVenue(state)})
}

type tradeRequestBody struct {
	Side        string  `json:"side"`
	Mint        string  `json:"mint"`
	Amount      string  `json:"amount,omitempty"`
	Percent     string  `json:"percent,omitempty"`
	SlippageBps int     `json:"slippage_bps"`
	TipLamports *uint64 `json:"tip_lamports,omitempty"`
	PriorityFee *uint64 `json:"priority_fee,omitempty"`
}

type tradeErrorBody struct {
	Error     string          `json:"error"`
	TradeID   string          `json:"trade_id,omitempty"`
	Stage     execution.Stage `json:"stage,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
}

func (a *apiRouter) submitTrade(w http.ResponseWriter, r *http.Request) {
	var body tradeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("请求体非法: %w", err))
		return
	}
	side := venue.Side(strings.ToLower(strings.TrimSpace(body.Side)))
	if !side.Valid() {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("不支持的方向 %q", body.Side))
		return
	}
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(body.Mint))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("mint 非法: %w", err))
		return
	}

	req := execution.TradeRequest{
		Side:        side,
		Mint:        mint,
		Amount:      body.Amount,
		Percent:     body.Percent,
		Signer:      a.wallet,
		SlippageBps: body.SlippageBps,
		TipLamports: body.TipLamports,
		PriorityFee: body.PriorityFee,
	}
	result, err := a.trader.ExecuteTrade(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, amount.ErrInvalidAmount) || errors.Is(err, txbuild.ErrInvalidSlippage) {
			status = http.StatusBadRequest
		}
		out := tradeErrorBody{Error: err.Error()}
		var te *execution.TradeError
		if errors.As(err, &te) {
			out.TradeID = te.TradeID
			out.Stage = te.Stage
			out.Attempts = len(te.Attempts)
			if te.Signature != (solana.Signature{}) {
				out.Signature = te.Signature.String()
			}
		}
		a.logger.Warn("接口下单失败", zap.String("mint", mint.String()), zap.Error(err))
		a.writeJSON(w, status, out)
		return
	}
	a.writeJSON(w, http.StatusCreated, result)
}

func (a *apiRouter) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		a.logger.Debug("接口请求",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (a *apiRouter) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func (a *apiRouter) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func startMonitorServer(ctx context.Context, handler http.Handler, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}
