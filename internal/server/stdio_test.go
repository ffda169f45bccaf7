package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

// rpcEnvelope is the slice of a JSON-RPC response the tests look at.
type rpcEnvelope struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestStdioSurfaceRoundTrip(t *testing.T) {
	app := newTestApp(t)
	srv := NewMCPServer(app)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ServeStdio(ctx, srv, inR, outW) }()

	reader := bufio.NewReaderSize(outR, 1<<20)
	send := func(line string) {
		t.Helper()
		if _, err := io.WriteString(inW, line+"\n"); err != nil {
			t.Fatalf("write request: %v", err)
		}
	}
	recv := func() rpcEnvelope {
		t.Helper()
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		var env rpcEnvelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("decode response %q: %v", line, err)
		}
		return env
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"conductor-test","version":"0.0.0"}}}`)
	env := recv()
	if env.Error != nil {
		t.Fatalf("initialize failed: %+v", env.Error)
	}
	var initResult struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(env.Result, &initResult); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if initResult.ServerInfo.Name != "conductor" {
		t.Errorf("server name = %q, want conductor", initResult.ServerInfo.Name)
	}
	if initResult.ServerInfo.Version != "test" {
		t.Errorf("server version = %q, want test", initResult.ServerInfo.Version)
	}
	if initResult.Instructions == "" {
		t.Errorf("initialize result carries no instructions")
	}

	send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	env = recv()
	if env.Error != nil {
		t.Fatalf("tools/list failed: %+v", env.Error)
	}
	var listResult struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(env.Result, &listResult); err != nil {
		t.Fatalf("decode tools/list result: %v", err)
	}
	if len(listResult.Tools) != 36 {
		t.Errorf("tools/list returned %d tools, want 36", len(listResult.Tools))
	}
	names := make(map[string]bool, len(listResult.Tools))
	for _, tool := range listResult.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"start_process", "get_queue_status", "record_issue",
		"search_similar_fragments", "traverse_fragment_links",
	} {
		if !names[want] {
			t.Errorf("tools/list missing %s", want)
		}
	}

	send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_processes","arguments":{}}}`)
	env = recv()
	if env.Error != nil {
		t.Fatalf("tools/call failed: %+v", env.Error)
	}
	var callResult struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(env.Result, &callResult); err != nil {
		t.Fatalf("decode tools/call result: %v", err)
	}
	if callResult.IsError {
		t.Fatalf("list_processes errored: %+v", callResult.Content)
	}
	if len(callResult.Content) != 2 {
		t.Fatalf("content count = %d, want summary and detail", len(callResult.Content))
	}
	if got := callResult.Content[0].Text; got != "Found 0 of 0 processes" {
		t.Errorf("summary = %q, want empty listing", got)
	}

	// EOF on stdin ends the serve loop.
	inW.Close()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			t.Errorf("ServeStdio returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stdio server did not stop on stdin EOF")
	}
}
