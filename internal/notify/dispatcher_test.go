package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

type recordingNotifier struct {
	mu       sync.Mutex
	received []Mention
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, mention Mention) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, mention)
	return n.err
}

func TestDispatcherDeliversAllMentionsBeforeShutdown(t *testing.T) {
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(notifier, 3, 16, nil)

	for index := 0; index < 10; index++ {
		if err := dispatcher.Submit(Mention{MentionedUserID: "V", CommentID: "c"}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	dispatcher.Shutdown()

	if len(notifier.received) != 10 {
		t.Fatalf("expected 10 deliveries, got %d", len(notifier.received))
	}
	if err := dispatcher.Submit(Mention{MentionedUserID: "V"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error after shutdown, got %v", err)
	}
}

func TestDispatcherLogsDeliveryFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	notifier := &recordingNotifier{err: errors.New("broker down")}
	dispatcher := NewDispatcher(notifier, 1, 4, zap.New(core))

	if err := dispatcher.Submit(Mention{MentionedUserID: "V", CommentID: "c-1"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	dispatcher.Shutdown()

	entries := logs.FilterMessage("mention delivery failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	if entries[0].ContextMap()["comment_id"] != "c-1" {
		t.Fatalf("expected comment id field, got %#v", entries[0].ContextMap())
	}
}

func TestLogNotifierWritesMention(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	notifier := NewLogNotifier(zap.New(core))

	if err := notifier.Notify(context.Background(), Mention{MentionedUserID: "V", CommentID: "c-1", TableID: "1", RowID: "5"}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].ContextMap()["mentioned_user_id"] != "V" {
		t.Fatalf("unexpected log entries %#v", entries)
	}
}
