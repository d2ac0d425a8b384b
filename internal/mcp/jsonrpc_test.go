package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest("7", "tools/call", map[string]any{"name": "echo"})
	data, err := json.Marshal(req)
	require.NoError(t, err)

	parsed, err := UnmarshalRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "tools/call", parsed.Method)
	assert.Equal(t, "7", parsed.ID)
	assert.False(t, parsed.IsNotification())
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	require.NoError(t, err)

	parsed, err := UnmarshalRequest(data)
	require.NoError(t, err)
	assert.True(t, parsed.IsNotification())
}

func TestUnmarshalResponseRejectsBadVersion(t *testing.T) {
	_, err := UnmarshalResponse([]byte(`{"jsonrpc":"1.0","id":1,"result":{}}`))
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, InvalidRequest, rpcErr.Code)
}

func TestErrorResponse(t *testing.T) {
	resp := NewErrorResponse(3, PermissionDenied, "private bank", nil)
	assert.True(t, resp.IsError())
	assert.Contains(t, resp.Error.Error(), "-32003")
}

func TestRequestIDGeneratorMonotonic(t *testing.T) {
	var gen RequestIDGenerator
	assert.Equal(t, "1", gen.Next())
	assert.Equal(t, "2", gen.Next())
	assert.Equal(t, "3", gen.Next())
}

func TestRequestIDTypeStableAcrossWire(t *testing.T) {
	var gen RequestIDGenerator
	id := gen.Next()

	data, err := json.Marshal(NewResponse(id, map[string]any{"ok": true}))
	require.NoError(t, err)
	parsed, err := UnmarshalResponse(data)
	require.NoError(t, err)

	// A string id decodes back to the exact key used in the pending map; a
	// numeric id would come back as float64 and never match.
	assert.Equal(t, any(id), parsed.ID)
}

func TestProxyToolNames(t *testing.T) {
	name := ProxyToolName("filesystem", "read_file")
	assert.Equal(t, "mcp__filesystem__read_file", name)

	server, tool, ok := SplitProxyToolName(name)
	require.True(t, ok)
	assert.Equal(t, "filesystem", server)
	assert.Equal(t, "read_file", tool)

	_, _, ok = SplitProxyToolName("store_fact")
	assert.False(t, ok)
	_, _, ok = SplitProxyToolName("mcp__broken")
	assert.False(t, ok)
}
