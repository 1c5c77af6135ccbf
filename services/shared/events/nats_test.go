package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	connected bool
	subjects  []string
	payloads  [][]byte
	drained   bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventLoginSucceeded, "authentiq", nil)

	_, err := uuid.Parse(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, EventLoginSucceeded, ev.Type)
	assert.NotNil(t, ev.Data)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "authentiq.login.failed", Subject(EventLoginFailed))
}

func TestClient_PublishEvent(t *testing.T) {
	fc := &fakeConn{connected: true}
	c := &Client{conn: fc}

	ev := NewEvent(EventLoginFailed, "authentiq", map[string]any{"code": "MISSING_TOKEN"})
	ev.TraceID = "abc"
	require.NoError(t, c.PublishEvent(context.Background(), ev))

	require.Len(t, fc.subjects, 1)
	assert.Equal(t, "authentiq.login.failed", fc.subjects[0])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(fc.payloads[0], &decoded))
	assert.Equal(t, ev.ID, decoded["id"])
	assert.Equal(t, "abc", decoded["trace_id"])
	assert.Equal(t, "MISSING_TOKEN", decoded["data"].(map[string]any)["code"])

	require.NoError(t, c.Close())
	assert.True(t, fc.drained)
}

func TestClient_NotConnected(t *testing.T) {
	c := &Client{conn: &fakeConn{}}
	err := c.Publish(context.Background(), "s", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)

	empty := &Client{}
	assert.False(t, empty.IsConnected())
	assert.NoError(t, empty.Close())
}

func TestClient_CanceledContext(t *testing.T) {
	fc := &fakeConn{connected: true}
	c := &Client{conn: fc}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Publish(ctx, "s", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fc.subjects)
}

func TestClient_PublishJSON_MarshalError(t *testing.T) {
	c := &Client{conn: &fakeConn{connected: true}}
	err := c.PublishJSON(context.Background(), "s", func() {})
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.PublishEvent(context.Background(), NewEvent(EventLoginSucceeded, "x", nil)))
	assert.Len(t, r.Events(), 1)

	r.Err = errors.New("down")
	assert.Error(t, r.PublishEvent(context.Background(), NewEvent(EventLoginSucceeded, "x", nil)))
	assert.Len(t, r.Events(), 1)

	assert.NoError(t, Discard{}.PublishEvent(context.Background(), Event{}))
}
