package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeValues(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		in := eventPayload{AuctionID: "a1", Kind: "bid:new"}

		values, err := EncodeValues(in)
		require.NoError(t, err)
		require.Contains(t, values, "payload")

		out, err := DecodeValues[eventPayload](values)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("pointer type rejected", func(t *testing.T) {
		_, err := EncodeValues(&eventPayload{})
		assert.ErrorIs(t, err, ErrPointerType)

		_, err = DecodeValues[*eventPayload](map[string]any{"payload": "x"})
		assert.ErrorIs(t, err, ErrPointerType)
	})

	t.Run("empty values", func(t *testing.T) {
		out, err := DecodeValues[eventPayload](map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, eventPayload{}, out)
	})

	t.Run("missing payload field", func(t *testing.T) {
		_, err := DecodeValues[eventPayload](map[string]any{"other": "x"})
		assert.Error(t, err)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := DecodeValues[eventPayload](map[string]any{"payload": "!!!"})
		assert.Error(t, err)
	})
}
