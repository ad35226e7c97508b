package core

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventCodec(t *testing.T) {
	e, err := NewEvent("sendMessage", map[string]string{"text": "hello"})
	require.Nil(t, err)

	var buf bytes.Buffer
	require.Nil(t, EncodeEvent(&buf, e))

	var decoded Event
	require.Nil(t, DecodeEvent(&buf, &decoded))
	assert.Equal(t, "sendMessage", decoded.Type)

	var payload map[string]string
	require.Nil(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, "hello", payload["text"])
}
