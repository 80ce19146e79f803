package notify

import (
	"context"

	"denticore.org/internal/obs"
)

// LoggingSender emits each delivery as a JSON log line instead of calling a
// provider. It is the default wiring until a deployment configures real
// email/SMS/push gateways behind the Sender interface.
type LoggingSender struct {
	Channel Channel
}

func (s LoggingSender) Send(ctx context.Context, destination, subject, body string) error {
	obs.LogRequest(map[string]any{
		"type":        "delivery",
		"channel":     string(s.Channel),
		"destination": destination,
		"subject":     subject,
		"body":        body,
	})
	return nil
}
