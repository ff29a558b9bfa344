package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/service/stock/broadcast"
	"stocksync/internal/service/stock/domain"
)

const (
	wsWriteWait = 10 * time.Second
	wsMaxRead   = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 推送内容是公开库存，不限制来源
		return true
	},
}

// StreamHandler 把 Hub 的库存变更推送给浏览器，支持 SSE 和 WebSocket。
type StreamHandler struct {
	hub       *broadcast.Hub
	heartbeat time.Duration
}

func NewStreamHandler(hub *broadcast.Hub, heartbeat time.Duration) *StreamHandler {
	return &StreamHandler{hub: hub, heartbeat: heartbeat}
}

// RegisterRoutes 在 ServeMux 上注册推送路由
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stock/updates", h.serveSSE)
	mux.HandleFunc("GET /ws/stock", h.serveWS)
}

// subscribeOptions 解析 ?productId=a&productId=b 和 ?filter=<CEL>
func subscribeOptions(r *http.Request) ([]broadcast.SubscribeOption, error) {
	q := r.URL.Query()
	var opts []broadcast.SubscribeOption
	if ids := q["productId"]; len(ids) > 0 {
		opts = append(opts, broadcast.ForProducts(ids...))
	}
	if expr := q.Get("filter"); expr != "" {
		f, err := broadcast.CompileFilter(expr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, broadcast.WithFilter(f))
	}
	return opts, nil
}

// --- SSE ---

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(change domain.StockChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Ping() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *StreamHandler) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	opts, err := subscribeOptions(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 先订阅再写响应头，客户端收到 200 之后的变更不会丢失
	conn := broadcast.NewConnection(h.hub, h.heartbeat, opts...)
	if err := conn.Subscribe(); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = conn.Serve(r.Context(), &sseSink{w: w, flusher: flusher})
}

// --- WebSocket ---

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(change domain.StockChange) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(change)
}

func (s *wsSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (h *StreamHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	opts, err := subscribeOptions(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn := broadcast.NewConnection(h.hub, h.heartbeat, opts...)
	if err := conn.Subscribe(); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写了错误响应
		logger.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		conn.Close()
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 读循环只用来感知对端关闭和处理 pong
	ws.SetReadLimit(wsMaxRead)
	_ = ws.SetReadDeadline(time.Now().Add(2 * h.effectiveHeartbeat()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * h.effectiveHeartbeat()))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = conn.Serve(ctx, &wsSink{conn: ws})
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
}

func (h *StreamHandler) effectiveHeartbeat() time.Duration {
	if h.heartbeat <= 0 {
		return broadcast.DefaultHeartbeat
	}
	return h.heartbeat
}
