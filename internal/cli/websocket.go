package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/coderunr/judger/internal/types"
)

// streamSubmission sends the request over the websocket endpoint and reports
// every state the submission enters until the server closes the connection
func streamSubmission(ctx context.Context, baseURL string, mode types.Mode, request *types.JudgeRequest,
	onState func(state string)) (*types.Result, error) {

	// Convert HTTP URL to WebSocket URL
	wsURL, err := convertToWebSocketURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to convert URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"/api/v1/connect", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	// Leaving early abandons the stream; the server still finishes the submission
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	init := types.WebSocketMessage{
		Type:    "init",
		Mode:    mode,
		Payload: request,
	}
	if err := conn.WriteJSON(init); err != nil {
		return nil, fmt.Errorf("failed to send init request: %w", err)
	}

	var (
		result   *types.Result
		failures []string
	)
	for {
		var msg types.WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, closeCompleted) && result == nil && len(failures) == 0 {
				return nil, fmt.Errorf("connection lost: %w", err)
			}
			break
		}

		switch msg.Type {
		case "state":
			if onState != nil {
				onState(msg.State)
			}
		case "result":
			result, err = decodeResult(msg.Payload)
			if err != nil {
				return nil, err
			}
		case "error":
			failures = append(failures, msg.Error)
		}
	}

	// Faults arrive as both an IE result and an error message
	if result != nil {
		return result, nil
	}
	if len(failures) > 0 {
		return nil, errors.New(strings.Join(failures, "; "))
	}
	return nil, errors.New("connection closed without a result")
}

// closeCompleted is the close code the server sends after the last message
const closeCompleted = 4999

func decodeResult(payload interface{}) (*types.Result, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var result types.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

func convertToWebSocketURL(httpURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(httpURL, "/"))
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}

	return u.String(), nil
}
