package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/handoff/internal/handoff"
	"go.uber.org/zap"
)

// Client posts rendered texts to the chat platform's send endpoint.
type Client struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewClient(url, token string) *Client {
	return &Client{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendReq struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// Send delivers one text message to userID.
func (c *Client) Send(ctx context.Context, userID, message string) error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("relay: webhook url is required")
	}
	b, err := json.Marshal(sendReq{UserID: userID, Message: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("relay: %s", msg)
	}
	return nil
}

// Deliverer renders events and sends them through a Client.
type Deliverer struct {
	client *Client
	logger *zap.Logger
}

func NewDeliverer(client *Client, logger *zap.Logger) *Deliverer {
	return &Deliverer{client: client, logger: logger.With(zap.String("component", "relay"))}
}

// Deliver sends ev to recipientID. Events with nothing to show are dropped.
func (d *Deliverer) Deliver(ctx context.Context, recipientID string, ev handoff.Event) error {
	text := Render(recipientID, ev)
	if text == "" {
		d.logger.Debug("nothing to deliver",
			zap.String("recipient", recipientID), zap.String("type", string(ev.Type)))
		return nil
	}
	return d.client.Send(ctx, recipientID, text)
}
