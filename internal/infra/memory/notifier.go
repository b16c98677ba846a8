package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"quizduel-service/internal/app"
)

// Notifier logs notifications and keeps them for inspection. It is the
// fallback when no message broker is configured.
type Notifier struct {
	logger *zap.Logger
	mu     sync.Mutex
	sent   []app.Notification
}

func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

func (n *Notifier) Notify(_ context.Context, msg app.Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	n.logger.Info("notification",
		zap.String("recipient_id", msg.RecipientID),
		zap.String("kind", msg.Kind),
		zap.String("ref_id", msg.RefID),
		zap.String("message", msg.Message))
	return nil
}

// Sent returns a copy of every recorded notification.
func (n *Notifier) Sent() []app.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]app.Notification(nil), n.sent...)
}
