package message

import (
	"testing"

	"github.com/kaelstrand/qx/internal/provider"
)

func TestAppendOrderPreserved(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: "user", Content: "one"})
	s.Append(provider.Message{Role: "assistant", Content: "two"})
	s.AppendMany(
		provider.Message{Role: "tool", Content: "three", ToolCallID: "a"},
		provider.Message{Role: "tool", Content: "four", ToolCallID: "b"},
	)

	if s.Len() != 4 {
		t.Fatalf("expected 4 messages, got %d", s.Len())
	}
	snap := s.Snapshot()
	want := []string{"one", "two", "three", "four"}
	for i, w := range want {
		if snap[i].Content != w {
			t.Errorf("index %d: got %q, want %q", i, snap[i].Content, w)
		}
	}
}

func TestReplaceLast(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: "user", Content: "a"})
	s.Append(provider.Message{Role: "tool", Content: "b"})

	if ok := s.ReplaceLast(provider.Message{Role: "tool", Content: "b-with-reminder"}); !ok {
		t.Fatal("expected ReplaceLast to succeed")
	}
	last, ok := s.Last()
	if !ok || last.Content != "b-with-reminder" {
		t.Fatalf("got %+v", last)
	}
}

func TestReplaceLastEmpty(t *testing.T) {
	s := New()
	if ok := s.ReplaceLast(provider.Message{Content: "x"}); ok {
		t.Fatal("expected ReplaceLast on empty store to fail")
	}
}

func TestSerializeMemoizes(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: "user", Content: "hello"})

	b1, err := s.Serialize(0)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := s.Serialize(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("serialization mismatch: %s vs %s", b1, b2)
	}
}

func TestSerializeOutOfRange(t *testing.T) {
	s := New()
	if _, err := s.Serialize(5); err != ErrIndexOutOfRange {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestReplaceAtArbitraryIndex(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: "tool", Content: "first"})
	s.Append(provider.Message{Role: "tool", Content: "second"})
	s.Append(provider.Message{Role: "assistant", Content: "third"})

	if ok := s.ReplaceAt(0, provider.Message{Role: "tool", Content: "first-with-reminder"}); !ok {
		t.Fatal("expected ReplaceAt to succeed")
	}
	msg, _ := s.At(0)
	if msg.Content != "first-with-reminder" {
		t.Fatalf("got %q", msg.Content)
	}
	last, _ := s.Last()
	if last.Content != "third" {
		t.Fatalf("unrelated message mutated: %q", last.Content)
	}
}

func TestLastIndexWhereFindsToolMessage(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: "user", Content: "a"})
	s.Append(provider.Message{Role: "tool", Content: "b"})
	s.Append(provider.Message{Role: "assistant", Content: "c"})

	idx := s.LastIndexWhere(func(m provider.Message) bool { return m.Role == "tool" })
	if idx != 1 {
		t.Fatalf("expected index 1, got %d", idx)
	}
	if none := s.LastIndexWhere(func(m provider.Message) bool { return m.Role == "system" }); none != -1 {
		t.Fatalf("expected -1, got %d", none)
	}
}

func TestPrependSystemInsertsWhenMissing(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: "user", Content: "hi"})
	s.PrependSystem("you are qx")

	if s.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", s.Len())
	}
	first, _ := s.At(0)
	if first.Role != "system" || first.Content != "you are qx" {
		t.Fatalf("got %+v", first)
	}
	second, _ := s.At(1)
	if second.Content != "hi" {
		t.Fatalf("expected original message preserved, got %+v", second)
	}
}

func TestPrependSystemNoOpWhenAlreadyPresent(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: "system", Content: "original"})
	s.Append(provider.Message{Role: "user", Content: "hi"})
	s.PrependSystem("different")

	if s.Len() != 2 {
		t.Fatalf("expected no insertion, got %d messages", s.Len())
	}
	first, _ := s.At(0)
	if first.Content != "original" {
		t.Fatalf("expected original system message kept, got %+v", first)
	}
}

func TestCacheEvictsAtCeiling(t *testing.T) {
	s := New()
	for i := 0; i < maxCacheEntries+10; i++ {
		s.Append(provider.Message{Role: "user", Content: "x"})
		if _, err := s.Serialize(i); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.cache) > maxCacheEntries {
		t.Fatalf("expected cache to be evicted, size=%d", len(s.cache))
	}
}
