package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/petralabs/riskgate/pkg/types"
)

// WebhookPoster delivers alerts as JSON POSTs to operator-configured URLs.
type WebhookPoster struct {
	Client *http.Client
}

func NewWebhookPoster() *WebhookPoster {
	return &WebhookPoster{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *WebhookPoster) Post(ctx context.Context, target string, alert types.Alert) error {
	body, err := json.Marshal(map[string]any{
		"id":        alert.ID,
		"level":     string(alert.Level),
		"message":   alert.Message,
		"context":   alert.Context,
		"timestamp": alert.Timestamp,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %d", target, resp.StatusCode)
	}
	return nil
}
