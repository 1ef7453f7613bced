package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookNotifier posts escalation summaries to a configured endpoint —
// the outbound half of the human decision channel. The inbound half comes
// back through the resume API.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{},
	}
}

type notification struct {
	SessionID string                `json:"session_id"`
	Summary   domain.ContextSummary `json:"summary"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, sessionID uuid.UUID, summary domain.ContextSummary) error {
	body, err := json.Marshal(notification{
		SessionID: sessionID.String(),
		Summary:   summary,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notification endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// LogNotifier writes escalation summaries to the service log. It is the
// default when no webhook is configured, so escalations are always visible
// somewhere.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, sessionID uuid.UUID, summary domain.ContextSummary) error {
	n.logger.Warn("human decision required",
		zap.String("session_id", sessionID.String()),
		zap.String("what", summary.What),
		zap.String("why", summary.Why),
		zap.String("risk", summary.Risk),
		zap.Int("precedents", len(summary.Precedents)))
	return nil
}

// MockNotifier records notifications for tests.
type MockNotifier struct {
	Err error

	mu            sync.Mutex
	Notifications []notification
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (n *MockNotifier) Notify(ctx context.Context, sessionID uuid.UUID, summary domain.ContextSummary) error {
	if n.Err != nil {
		return n.Err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Notifications = append(n.Notifications, notification{
		SessionID: sessionID.String(),
		Summary:   summary,
	})
	return nil
}

// Count is safe to poll while sessions are still running.
func (n *MockNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Notifications)
}
