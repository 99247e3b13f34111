package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// PushPublisher relays events to a mobile push endpoint speaking the FCM
// HTTP v1 message shape, one message per recipient. Devices subscribe to the
// user_{id} topic.
type PushPublisher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushPublisher(endpoint, key string) *PushPublisher {
	return &PushPublisher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Message struct {
		Topic string            `json:"topic"`
		Data  map[string]string `json:"data"`
	} `json:"message"`
}

func (p *PushPublisher) Publish(ctx context.Context, ev Event) error {
	if len(ev.UserIDs) == 0 {
		return nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return record("push", err)
	}
	var errs []error
	for _, uid := range ev.UserIDs {
		var msg pushMessage
		msg.Message.Topic = "user_" + strconv.FormatInt(uid, 10)
		// FCM data values must be strings.
		msg.Message.Data = map[string]string{
			"type":    string(ev.Type),
			"key":     ev.Key,
			"payload": string(payload),
		}
		if err := p.send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("push to user %d: %w", uid, err))
		}
	}
	return record("push", errors.Join(errs...))
}

func (p *PushPublisher) send(ctx context.Context, msg pushMessage) error {
	b, err := json.Marshal(msg)
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
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %s", resp.Status)
	}
	return nil
}
