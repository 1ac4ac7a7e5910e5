package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
)

// WSClient is a thin websocket test client for the cherryd endpoints.
type WSClient struct {
	Conn *websocket.Conn
}

// DialWS connects to a cherryd websocket path on an httptest server,
// passing the token as the access_token query parameter.
func DialWS(serverURL, path, token string) (*WSClient, *http.Response, error) {
	wsURL := strings.Replace(serverURL, "http://", "ws://", 1) + path
	if token != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		wsURL += sep + "access_token=" + token
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, resp, err
	}
	return &WSClient{Conn: conn}, resp, nil
}

// ReadEnvelope reads the next message envelope within the timeout.
func (c *WSClient) ReadEnvelope(timeout time.Duration) (cherryd.Message, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	var msg cherryd.Message
	if err := c.Conn.ReadJSON(&msg); err != nil {
		return cherryd.Message{}, err
	}
	return msg, nil
}

// ReadEnvelopes reads n envelopes in order.
func (c *WSClient) ReadEnvelopes(n int, timeout time.Duration) ([]cherryd.Message, error) {
	out := make([]cherryd.Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := c.ReadEnvelope(timeout)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// ExpectClose reads until the connection closes and returns the close
// code. A data frame before the close frame is an error.
func (c *WSClient) ExpectClose(timeout time.Duration) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, err := c.Conn.ReadMessage()
	if err == nil {
		return 0, errors.New("expected close frame, got data frame")
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, nil
	}
	return 0, fmt.Errorf("expected close frame: %w", err)
}

// DecodeBody unmarshals a message body (which arrives as generic JSON)
// into out.
func DecodeBody(body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Close closes the client connection.
func (c *WSClient) Close() error { return c.Conn.Close() }
