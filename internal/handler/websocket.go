package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/judger/internal/judge"
	"github.com/coderunr/judger/internal/types"
)

const (
	initTimeout  = 5 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Close codes sent by the server
const (
	closeAlreadyInitialized = 4000
	closeInitTimeout        = 4001
	closeCompleted          = 4999
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection streams the states of one submission to a client
type WebSocketConnection struct {
	conn     *websocket.Conn
	handler  *Handler
	eventBus chan types.WebSocketMessage
	done     chan struct{}
	logger   *logrus.Entry

	mutex       sync.Mutex
	initialized bool
	closed      bool
}

// HandleWebSocket accepts one "init" message carrying a judge request and
// streams "state" events followed by a "result" or "error" message
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	wsConn := &WebSocketConnection{
		conn:     conn,
		handler:  h,
		eventBus: make(chan types.WebSocketMessage, 100),
		done:     make(chan struct{}),
		logger:   h.logger.WithField("component", "websocket"),
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	go wsConn.eventSender()

	timer := time.AfterFunc(initTimeout, func() {
		if !wsConn.isInitialized() {
			wsConn.sendError("Initialization timeout")
			wsConn.close(closeInitTimeout, "Initialization Timeout")
		}
	})
	defer timer.Stop()

	wsConn.handleMessages(r.Context())
}

// handleMessages reads client messages until the connection closes
func (wsConn *WebSocketConnection) handleMessages(ctx context.Context) {
	for {
		var msg types.WebSocketMessage
		if err := wsConn.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, closeCompleted) {
				wsConn.logger.WithError(err).Debug("WebSocket read error")
			}
			break
		}

		_ = wsConn.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch msg.Type {
		case "init":
			wsConn.handleInit(ctx, msg)
		default:
			wsConn.sendError("Unknown message type: " + msg.Type)
		}
	}

	// A running submission finishes and closes the connection itself
	if !wsConn.isInitialized() {
		wsConn.close(websocket.CloseNormalClosure, "Connection closed")
	}
}

// handleInit starts the submission carried by an init message
func (wsConn *WebSocketConnection) handleInit(ctx context.Context, msg types.WebSocketMessage) {
	wsConn.mutex.Lock()
	if wsConn.initialized {
		wsConn.mutex.Unlock()
		wsConn.close(closeAlreadyInitialized, "Already Initialized")
		return
	}
	wsConn.initialized = true
	wsConn.mutex.Unlock()

	mode := msg.Mode
	if mode == "" {
		mode = types.ModeJudge
	}
	if mode != types.ModeJudge && mode != types.ModeRun {
		wsConn.finish(nil, errUnknownMode(mode))
		return
	}

	requestBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		wsConn.finish(nil, err)
		return
	}

	var request types.JudgeRequest
	if err := json.Unmarshal(requestBytes, &request); err != nil {
		wsConn.sendError("Invalid judge request")
		wsConn.close(closeCompleted, "Invalid Request")
		return
	}

	go func() {
		result, err := wsConn.handler.dispatch(ctx, mode, &request, func(_ string, state judge.State) {
			wsConn.sendMessage(types.WebSocketMessage{
				Type:  "state",
				Mode:  mode,
				State: string(state),
			})
		})
		wsConn.finish(result, err)
	}()
}

// finish sends the outcome and closes the connection
func (wsConn *WebSocketConnection) finish(result *types.Result, err error) {
	if result != nil {
		wsConn.sendMessage(types.WebSocketMessage{Type: "result", Payload: result})
	}
	if err != nil {
		wsConn.sendError(err.Error())
	}
	wsConn.close(closeCompleted, "Job Completed")
}

// eventSender sends events to the WebSocket client
func (wsConn *WebSocketConnection) eventSender() {
	defer close(wsConn.done)

	for event := range wsConn.eventBus {
		_ = wsConn.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := wsConn.conn.WriteJSON(event); err != nil {
			wsConn.logger.WithError(err).Error("Failed to send WebSocket message")
			return
		}
	}
}

// sendMessage queues a message for the client
func (wsConn *WebSocketConnection) sendMessage(msg types.WebSocketMessage) {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()

	if wsConn.closed {
		return
	}

	select {
	case wsConn.eventBus <- msg:
	default:
		wsConn.logger.Warn("Event bus full, dropping message")
	}
}

// sendError sends an error message
func (wsConn *WebSocketConnection) sendError(message string) {
	wsConn.sendMessage(types.WebSocketMessage{
		Type:  "error",
		Error: message,
	})
}

// close flushes queued events, then closes the WebSocket connection
func (wsConn *WebSocketConnection) close(code int, message string) {
	wsConn.mutex.Lock()
	if wsConn.closed {
		wsConn.mutex.Unlock()
		return
	}
	wsConn.closed = true
	close(wsConn.eventBus)
	wsConn.mutex.Unlock()

	select {
	case <-wsConn.done:
	case <-time.After(writeTimeout):
	}

	_ = wsConn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message),
		time.Now().Add(time.Second))

	wsConn.conn.Close()
}

func (wsConn *WebSocketConnection) isInitialized() bool {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()
	return wsConn.initialized
}

type errUnknownMode types.Mode

func (e errUnknownMode) Error() string {
	return "unknown mode: " + string(e)
}
