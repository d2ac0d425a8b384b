package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeServerScript = `#!/usr/bin/env bash
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([0-9]*\)".*/\1/p')
  case "$line" in
  *'"method":"initialize"'*)
    printf '{"jsonrpc":"2.0","id":"%s","result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fixture","version":"0.1.0"}}}\n' "$id"
    ;;
  *'"method":"tools/list"'*)
    printf '{"jsonrpc":"2.0","id":"%s","result":{"tools":[{"name":"echo","description":"Echo text back.","inputSchema":{"type":"object"}}]}}\n' "$id"
    ;;
  *'"method":"tools/call"'*)
    printf '{"jsonrpc":"2.0","id":"%s","result":{"content":[{"type":"text","text":"pong"}]}}\n' "$id"
    ;;
  esac
done
`

func TestClientHandshakeCachesTools(t *testing.T) {
	script := filepath.Join(t.TempDir(), "server.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeServerScript), 0o755))

	p := NewProcess("fixture", ProcessConfig{Command: "bash", Args: []string{script}})
	c := NewClient("fixture", p)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, 5*time.Second))
	defer func() { _ = c.Stop() }()

	require.True(t, c.Alive())
	info := c.Info()
	require.NotNil(t, info)
	assert.Equal(t, "fixture", info.Name)
	assert.Equal(t, "0.1.0", info.Version)

	tools := c.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	res, err := c.CallTool(ctx, "echo", map[string]any{"text": "ping"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "pong", res.Content[0].Text)
	assert.False(t, res.IsError)
}

// pipeServer is the far end of a pipe-backed client: it reads the client's
// framed requests and can reply in any order.
type pipeServer struct {
	t       *testing.T
	scanner *bufio.Scanner
	out     *io.PipeWriter
}

func (s *pipeServer) nextRequest() *Request {
	s.t.Helper()
	require.True(s.t, s.scanner.Scan(), "expected a request frame")
	req, err := UnmarshalRequest(s.scanner.Bytes())
	require.NoError(s.t, err)
	return req
}

func (s *pipeServer) reply(resp *Response) {
	s.t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(s.t, err)
	_, err = s.out.Write(append(data, '\n'))
	require.NoError(s.t, err)
}

func newPipeClient(t *testing.T) (*Client, *pipeServer, *Process) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	p := &Process{
		stdin:   reqW,
		stdout:  respR,
		running: true,
		exited:  make(chan struct{}),
	}
	c := NewClient("pipe", p)
	go c.readLoop()
	go c.watchExit()

	t.Cleanup(func() {
		_ = reqW.Close()
		_ = respW.Close()
		select {
		case <-p.exited:
		default:
			close(p.exited)
		}
	})
	return c, &pipeServer{t: t, scanner: bufio.NewScanner(reqR), out: respW}, p
}

func TestClientCorrelatesOutOfOrderReplies(t *testing.T) {
	c, srv, _ := newPipeClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(map[string]string, 2)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, method := range []string{"alpha/run", "beta/run"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			res, err := c.call(ctx, method, nil)
			if !assert.NoError(t, err) {
				return
			}
			m, _ := res.(map[string]any)
			echo, _ := m["echo"].(string)
			mu.Lock()
			results[method] = echo
			mu.Unlock()
		}(method)
	}

	first := srv.nextRequest()
	second := srv.nextRequest()

	// Replies land in reverse order; each caller still gets its own.
	srv.reply(NewResponse(second.ID, map[string]any{"echo": second.Method}))
	srv.reply(NewResponse(first.ID, map[string]any{"echo": first.Method}))
	wg.Wait()

	assert.Equal(t, "alpha/run", results["alpha/run"])
	assert.Equal(t, "beta/run", results["beta/run"])
}

func TestClientExitFailsPendingCall(t *testing.T) {
	c, srv, p := newPipeClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.call(ctx, "slow/op", nil)
		errCh <- err
	}()
	srv.nextRequest() // call is in flight

	close(p.exited)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server exited")
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on process exit")
	}
	assert.False(t, c.Alive())
}
