package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("registered handler is invoked with the payload", func(t *testing.T) {
		r := NewRegistry()
		var got string
		r.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
			got = string(payload)
			return nil
		})

		err := r.Dispatch(ctx, "order.created", json.RawMessage(`{"orderId":"42"}`))

		require.NoError(t, err)
		assert.Equal(t, `{"orderId":"42"}`, got)
	})

	t.Run("handler errors pass through unchanged", func(t *testing.T) {
		r := NewRegistry()
		want := errors.New("downstream unavailable")
		r.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
			return want
		})

		assert.ErrorIs(t, r.Dispatch(ctx, "order.created", nil), want)
	})

	t.Run("unregistered event type returns handler not found", func(t *testing.T) {
		r := NewRegistry()

		err := r.Dispatch(ctx, "unknown.event", nil)

		require.ErrorIs(t, err, ErrHandlerNotFound)
		assert.Contains(t, err.Error(), "unknown.event")
	})

	t.Run("re-registering replaces the previous handler", func(t *testing.T) {
		r := NewRegistry()
		r.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
			return errors.New("old handler")
		})
		r.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
			return nil
		})

		assert.NoError(t, r.Dispatch(ctx, "order.created", nil))
	})
}

func TestRegistry_Types(t *testing.T) {
	r := NewDemoRegistry()

	assert.ElementsMatch(t,
		[]string{"order.created", "order.created.analytics", "order.created.crm"},
		r.Types())
}

func TestPayloadField(t *testing.T) {
	t.Run("present field", func(t *testing.T) {
		assert.Equal(t, "C007", payloadField(json.RawMessage(`{"customerId":"C007"}`), "customerId"))
	})

	t.Run("missing field falls back to unknown", func(t *testing.T) {
		assert.Equal(t, "unknown", payloadField(json.RawMessage(`{"orderId":"42"}`), "customerId"))
	})

	t.Run("malformed payload falls back to unknown", func(t *testing.T) {
		assert.Equal(t, "unknown", payloadField(json.RawMessage(`not json`), "customerId"))
	})

	t.Run("non-string field falls back to unknown", func(t *testing.T) {
		assert.Equal(t, "unknown", payloadField(json.RawMessage(`{"customerId":7}`), "customerId"))
	})
}
