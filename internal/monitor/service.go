package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"trade-router/internal/execution"
	"trade-router/internal/store"
)

// ErrTradeNotFound 表示流水中不存在该交易。
var ErrTradeNotFound = errors.New("monitor: trade not found")

// Service 负责持久化交易流水与监控事件，实现 execution.Recorder。
type Service struct {
	store  *store.Store
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ execution.Recorder = (*Service)(nil)

// NewService 初始化监控服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  st,
		db:     st.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	err := s.store.Migrate(context.Background(),
		`CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type)`,
		`CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	side TEXT NOT NULL DEFAULT '',
	mint TEXT NOT NULL DEFAULT '',
	venue TEXT NOT NULL DEFAULT '',
	amount INTEGER NOT NULL DEFAULT 0,
	scale INTEGER NOT NULL DEFAULT 0,
	signature TEXT NOT NULL DEFAULT '',
	min_out INTEGER NOT NULL DEFAULT 0,
	stage TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS trade_attempts (
	trade_id TEXT NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	transport TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL DEFAULT '',
	blockhash TEXT NOT NULL DEFAULT '',
	priority_fee INTEGER NOT NULL DEFAULT 0,
	tip_lamports INTEGER NOT NULL DEFAULT 0,
	fallback INTEGER NOT NULL DEFAULT 0,
	at TEXT NOT NULL,
	PRIMARY KEY (trade_id, idx)
)`,
	)
	if err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordAttempt 写入或更新一次发送尝试。
func (s *Service) RecordAttempt(ctx context.Context, tradeID string, attempt execution.SubmissionAttempt) error {
	now := s.now()
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trades (id, status, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
			tradeID, string(TradeInFlight), now.Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO trade_attempts
			 (trade_id, idx, transport, signature, outcome, reason, stage, blockhash, priority_fee, tip_lamports, fallback, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(trade_id, idx) DO UPDATE SET
			   transport = excluded.transport,
			   signature = excluded.signature,
			   outcome = excluded.outcome,
			   reason = excluded.reason,
			   stage = excluded.stage,
			   blockhash = excluded.blockhash,
			   priority_fee = excluded.priority_fee,
			   tip_lamports = excluded.tip_lamports,
			   fallback = excluded.fallback`,
			tradeID, attempt.Index, attempt.Transport, signatureText(attempt.Signature),
			string(attempt.Outcome), attempt.Reason, string(attempt.Stage), hashText(attempt.Blockhash),
			int64(attempt.PriorityFee), int64(attempt.TipLamports), attempt.Fallback,
			attempt.At.Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("monitor: 写入尝试失败: %w", err)
	}

	if attempt.Outcome != execution.AttemptPending {
		return s.Record(ctx, Event{
			Type:    EventTradeAttempt,
			Payload: AttemptPayload{TradeID: tradeID, Attempt: attempt},
		})
	}
	return nil
}

// RecordResult 写入交易结论，tradeErr 非空表示交易终止。
func (s *Service) RecordResult(ctx context.Context, tradeID string, result execution.TradeResult, tradeErr error) error {
	status := TradeDone
	switch {
	case tradeErr != nil:
		status = TradeAborted
	case result.Simulated:
		status = TradeSimulated
	}

	payload := ResultPayload{TradeID: tradeID, Status: status, Result: result}
	if tradeErr != nil {
		payload.Error = tradeErr.Error()
		var te *execution.TradeError
		if errors.As(tradeErr, &te) {
			payload.Stage = te.Stage
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, status, side, mint, venue, amount, scale, signature, min_out, stage, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   side = excluded.side,
		   mint = excluded.mint,
		   venue = excluded.venue,
		   amount = excluded.amount,
		   scale = excluded.scale,
		   signature = excluded.signature,
		   min_out = excluded.min_out,
		   stage = excluded.stage,
		   error = excluded.error,
		   updated_at = excluded.updated_at`,
		tradeID, string(status), string(result.Side), result.Mint.String(), string(result.Venue),
		int64(result.Amount.Raw), int(result.Amount.Scale), signatureText(result.Signature), int64(result.MinOut),
		string(payload.Stage), payload.Error, s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入交易结果失败: %w", err)
	}

	return s.Record(ctx, Event{Type: EventTradeResult, Payload: payload})
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{
		Type:    EventError,
		Payload: payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// GetTrade 读取单笔交易流水及其尝试。
func (s *Service) GetTrade(ctx context.Context, id string) (TradeRecord, error) {
	var (
		rec     TradeRecord
		status  string
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, side, mint, venue, amount, scale, signature, min_out, stage, error, updated_at
		 FROM trades WHERE id = ?`, id,
	).Scan(&rec.ID, &status, &rec.Side, &rec.Mint, &rec.Venue, &rec.Amount, &rec.Scale,
		&rec.Signature, &rec.MinOut, &rec.Stage, &rec.Error, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TradeRecord{}, ErrTradeNotFound
	}
	if err != nil {
		return TradeRecord{}, fmt.Errorf("monitor: 查询交易失败: %w", err)
	}
	rec.Status = TradeStatus(status)
	rec.UpdatedAt = parseTime(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, transport, signature, outcome, reason, stage, blockhash, priority_fee, tip_lamports, fallback, at
		 FROM trade_attempts WHERE trade_id = ? ORDER BY idx`, id,
	)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("monitor: 查询尝试失败: %w", err)
	}
	defer rows.Close()

	rec.Attempts = make([]AttemptRecord, 0)
	for rows.Next() {
		var (
			a       AttemptRecord
			outcome string
			stage   string
			at      string
		)
		if err := rows.Scan(&a.Index, &a.Transport, &a.Signature, &outcome, &a.Reason, &stage,
			&a.Blockhash, &a.PriorityFee, &a.TipLamports, &a.Fallback, &at); err != nil {
			return TradeRecord{}, fmt.Errorf("monitor: 解析尝试失败: %w", err)
		}
		a.Outcome = execution.AttemptOutcome(outcome)
		a.Stage = execution.Stage(stage)
		a.At = parseTime(at)
		rec.Attempts = append(rec.Attempts, a)
	}
	if err := rows.Err(); err != nil {
		return TradeRecord{}, fmt.Errorf("monitor: 读取尝试失败: %w", err)
	}

	return rec, nil
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: parseTime(created),
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func signatureText(sig solana.Signature) string {
	if sig == (solana.Signature{}) {
		return ""
	}
	return sig.String()
}

func hashText(h solana.Hash) string {
	if h == (solana.Hash{}) {
		return ""
	}
	return h.String()
}
