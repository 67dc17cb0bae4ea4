package agentquery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/elephantci/orchestrator/internal/app/executor"
)

func TestSubprocess_Query_StreamsMessages(t *testing.T) {
	script := `echo '{"type":"assistant","content":[{"type":"text","text":"hi"}]}'; ` +
		`echo '{"type":"result","subtype":"success","outcome":"implementation_complete","usage":{"input_tokens":10,"output_tokens":5}}'`
	qa := New(Config{Command: "sh", Args: []string{"-c", script}}, nil)

	ch, err := qa.Query(context.Background(), executor.QueryRequest{Prompt: "ignored", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	var msgs []executor.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != executor.MessageAssistant || len(msgs[0].Content) != 1 || msgs[0].Content[0].Text != "hi" {
		t.Fatalf("unexpected assistant message: %+v", msgs[0])
	}
	if msgs[1].Type != executor.MessageResult || msgs[1].Outcome != "implementation_complete" {
		t.Fatalf("unexpected result message: %+v", msgs[1])
	}
	if msgs[1].Usage == nil || msgs[1].Usage.InputTokens != 10 {
		t.Fatalf("expected usage to be parsed, got %+v", msgs[1].Usage)
	}
}

func TestSubprocess_Query_NonZeroExitEmitsFailureResult(t *testing.T) {
	qa := New(Config{Command: "sh", Args: []string{"-c", "echo 'unauthorized: token expired' 1>&2; exit 1"}}, nil)

	ch, err := qa.Query(context.Background(), executor.QueryRequest{Prompt: "x", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	var last executor.Message
	for msg := range ch {
		last = msg
	}
	if last.Type != executor.MessageResult || last.Outcome != "failed" {
		t.Fatalf("expected failed result message, got %+v", last)
	}
	if len(last.Errors) != 1 || !strings.Contains(strings.ToLower(last.Errors[0]), "auth") {
		t.Fatalf("expected auth hint in error, got %+v", last.Errors)
	}
}

func TestSubprocess_Query_ContextCancelTerminatesProcess(t *testing.T) {
	qa := New(Config{Command: "sh", Args: []string{"-c", "sleep 30"}}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := qa.Query(ctx, executor.QueryRequest{Prompt: "x", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// drain until close
			for range ch {
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatal("channel did not close after context cancellation")
	}
}
