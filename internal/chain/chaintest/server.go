// Package chaintest 提供用于测试的 JSON-RPC 假节点。
package chaintest

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
)

// Handler 处理单个 RPC 方法，返回 result 或 RPC 错误。
type Handler func(params json.RawMessage) (interface{}, *Error)

// Error 为 JSON-RPC 错误对象。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server 为可编程的假节点，记录每次调用。
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// Call 记录一次 RPC 调用。
type Call struct {
	Method string
	Params json.RawMessage
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewServer 启动假节点并在测试结束时关闭。
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{handlers: make(map[string]Handler)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle 注册方法处理器。
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Calls 返回指定方法的调用记录，method 为空时返回全部。
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: req.Method, Params: req.Params})
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	resp := response{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &Error{Code: -32601, Message: "method not found: " + req.Method}
	} else {
		result, rpcErr := h(req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else if result == nil {
			resp.Result = json.RawMessage("null")
		} else {
			resp.Result = result
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Static 返回固定结果。
func Static(result interface{}) Handler {
	return func(json.RawMessage) (interface{}, *Error) {
		return result, nil
	}
}

// Context 包装带 context 的响应。
func Context(value interface{}) map[string]interface{} {
	return map[string]interface{}{
		"context": map[string]interface{}{"slot": 1},
		"value":   value,
	}
}

// AccountValue 构造 getAccountInfo 的返回体。
func AccountValue(owner solana.PublicKey, data []byte) map[string]interface{} {
	return Context(map[string]interface{}{
		"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
		"executable": false,
		"lamports":   1_000_000,
		"owner":      owner.String(),
		"rentEpoch":  0,
	})
}

// Blockhash 构造 getLatestBlockhash 的返回体。
func Blockhash(hash solana.Hash, lastValid uint64) map[string]interface{} {
	return Context(map[string]interface{}{
		"blockhash":            hash.String(),
		"lastValidBlockHeight": lastValid,
	})
}

// SignatureStatus 构造 getSignatureStatuses 的返回体，status 为空表示尚未可见。
func SignatureStatus(status string, txErr interface{}) map[string]interface{} {
	if status == "" {
		return Context([]interface{}{nil})
	}
	return Context([]interface{}{map[string]interface{}{
		"slot":               10,
		"confirmations":      nil,
		"err":                txErr,
		"confirmationStatus": status,
	}})
}

// LookupTableData 按地址查找表账户布局编码地址列表。
func LookupTableData(addresses ...solana.PublicKey) []byte {
	data := make([]byte, 56, 56+32*len(addresses))
	data[0] = 1 // ProgramState::LookupTable
	for i := 4; i < 12; i++ {
		data[i] = 0xff // deactivation slot = u64::MAX
	}
	data[21] = 1 // authority: Some
	copy(data[22:54], solana.SystemProgramID.Bytes())
	for _, a := range addresses {
		data = append(data, a.Bytes()...)
	}
	return data
}
