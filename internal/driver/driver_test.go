package driver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoModule struct{}

func (echoModule) Actions() map[string]Handler {
	return map[string]Handler{
		"echo": func(_ context.Context, target Target, payload json.RawMessage) (any, error) {
			return map[string]string{"alias": target.Alias, "payload": string(payload)}, nil
		},
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	r.RegisterModule(echoModule{})

	res, err := r.Execute(context.Background(), Target{Alias: "cel01"}, "echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alias": "cel01", "payload": "{}"}, res)
	assert.Equal(t, []string{"echo"}, r.Actions())
}

func TestRegistry_UnknownAndUnsupported(t *testing.T) {
	r := NewRegistry()
	r.MarkUnsupported("send_image")

	tests := []struct {
		name   string
		action string
	}{
		{name: "unknown", action: "dance"},
		{name: "marked unsupported", action: "send_image"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), Target{}, tc.action, nil)
			assert.ErrorIs(t, err, ErrUnsupportedAction)
			assert.Contains(t, err.Error(), tc.action)
		})
	}
}

func TestRegistry_WrapsHandlerErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("tap", func(context.Context, Target, json.RawMessage) (any, error) {
		return nil, errors.New("device offline")
	})

	_, err := r.Execute(context.Background(), Target{Alias: "cel02"}, "tap", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "device offline")
}

func TestRegistry_RegisterOverridesUnsupported(t *testing.T) {
	r := NewRegistry()
	r.MarkUnsupported("send_call")
	r.Register("send_call", func(context.Context, Target, json.RawMessage) (any, error) { return "ok", nil })

	res, err := r.Execute(context.Background(), Target{}, "send_call", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}
