package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Built-in handlers simulating downstream systems. Each sleeps for a
// realistic latency and logs what it delivered.

func sendEmail(ctx context.Context, payload json.RawMessage) error {
	time.Sleep(200 * time.Millisecond)
	slog.InfoContext(ctx, "email sent to customer", "customer_id", payloadField(payload, "customerId"))
	return nil
}

func recordAnalytics(ctx context.Context, payload json.RawMessage) error {
	time.Sleep(50 * time.Millisecond)
	slog.InfoContext(ctx, "analytics recorded for order", "order_id", payloadField(payload, "orderId"))
	return nil
}

func pushToCRM(ctx context.Context, payload json.RawMessage) error {
	time.Sleep(100 * time.Millisecond)
	slog.InfoContext(ctx, "crm updated for order", "order_id", payloadField(payload, "orderId"))
	return nil
}

// NewDemoRegistry returns a registry preloaded with the built-in handlers.
func NewDemoRegistry() *Registry {
	r := NewRegistry()
	r.Register("order.created", sendEmail)
	r.Register("order.created.analytics", recordAnalytics)
	r.Register("order.created.crm", pushToCRM)
	return r
}

// payloadField extracts a string field from a JSON payload, falling back to
// "unknown" for missing fields or malformed documents.
func payloadField(payload json.RawMessage, key string) string {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "unknown"
	}
	if v, ok := doc[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
