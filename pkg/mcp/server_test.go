package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_RegistersAllTools(t *testing.T) {
	s := newTestServer(t, &mockEngine{}, &mockScheduler{}, &mockStore{})

	names := make(map[string]bool)
	for _, tool := range s.tools() {
		names[tool.Tool.Name] = true
	}
	for _, want := range []string{
		"pipeline.run", "pipeline.status", "pipeline.feedback", "pipeline.confirm",
		"pipeline.resume", "pipeline.cancel", "pipeline.schedule", "pipeline.query",
	} {
		assert.True(t, names[want], want)
	}
	assert.Len(t, names, 8)
	require.NotNil(t, s.MCPServer())
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("wf-1")
	assert.False(t, ok)

	r.Register("wf-1", "sess-a")
	r.Register("wf-2", "sess-a")
	r.Register("wf-3", "sess-b")

	sid, ok := r.SessionFor("wf-1")
	require.True(t, ok)
	assert.Equal(t, "sess-a", sid)

	// Reconnect overwrites.
	r.Register("wf-1", "sess-c")
	sid, _ = r.SessionFor("wf-1")
	assert.Equal(t, "sess-c", sid)

	// Disconnect removes every workflow mapped to the session.
	r.Remove("sess-a")
	_, ok = r.SessionFor("wf-2")
	assert.False(t, ok)
	_, ok = r.SessionFor("wf-3")
	assert.True(t, ok)
}

func TestNotifyReview_NoSessionIsBestEffort(t *testing.T) {
	s := newTestServer(t, &mockEngine{}, &mockScheduler{}, &mockStore{})
	// No session registered for the workflow; must not panic or error.
	s.NotifyReview("wf-unknown", 1)
}
