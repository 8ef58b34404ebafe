package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/dynamic-dispatch/internal/models"
)

// PushDispatcher posts an FCM HTTP v1 style message to a push gateway.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Message struct {
		Topic string              `json:"topic"`
		Data  models.Notification `json:"data"`
	} `json:"message"`
}

func (p *PushDispatcher) Notify(ctx context.Context, userID string, n models.Notification) error {
	var body pushMessage
	body.Message.Topic = "user." + userID
	body.Message.Data = n
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", n.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push %s: gateway returned %d", n.Type, resp.StatusCode)
	}
	return nil
}
