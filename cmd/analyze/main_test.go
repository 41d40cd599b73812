package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wricardo/chat-relay/chat/store"
)

func TestAnalyzeRoom(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []store.Message{
		{Seq: 4, Room: "lobby", Username: "bob", Body: "hi", CreatedAt: start},
		{Seq: 5, Room: "lobby", Username: "alice", Body: "hello", CreatedAt: start.Add(time.Minute)},
		{Seq: 6, Room: "lobby", Username: "bob", Body: "   ", CreatedAt: start.Add(2 * time.Minute)},
		{Seq: 7, Room: "lobby", Username: "carol", Body: strings.Repeat("x", 2001), CreatedAt: start.Add(3 * time.Minute)},
	}

	report := analyzeRoom("lobby", msgs)

	if report.Messages != 4 {
		t.Errorf("Expected 4 messages, got %d", report.Messages)
	}
	if report.FirstSeq != 4 || report.LastSeq != 7 {
		t.Errorf("Expected seq 4 to 7, got %d to %d", report.FirstSeq, report.LastSeq)
	}
	if report.Last.Sub(report.First) != 3*time.Minute {
		t.Errorf("Expected a 3 minute span, got %s", report.Last.Sub(report.First))
	}

	expectedAuthors := []AuthorCount{{"bob", 2}, {"alice", 1}, {"carol", 1}}
	if len(report.Authors) != len(expectedAuthors) {
		t.Fatalf("Expected %d authors, got %d", len(expectedAuthors), len(report.Authors))
	}
	for i, a := range expectedAuthors {
		if report.Authors[i] != a {
			t.Errorf("Author %d: expected %+v, got %+v", i, a, report.Authors[i])
		}
	}

	if len(report.Blank) != 1 || report.Blank[0] != 6 {
		t.Errorf("Expected seq 6 to be blank, got %v", report.Blank)
	}
	if len(report.TooLong) != 1 || report.TooLong[0] != 7 {
		t.Errorf("Expected seq 7 to be too long, got %v", report.TooLong)
	}
}

func TestAnalyzeEmptyRoom(t *testing.T) {
	report := analyzeRoom("quiet", nil)
	if report.Messages != 0 || len(report.Authors) != 0 {
		t.Errorf("Expected an empty report, got %+v", report)
	}
}

func TestAnalyzeStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	defer st.Close()

	for _, m := range []struct{ room, user, body string }{
		{"lobby", "alice", "hi"},
		{"lobby", "bob", "hey"},
		{"lobby", "alice", "how are you"},
		{"random", "carol", "anyone?"},
	} {
		if _, err := st.Append(ctx, m.room, m.user, m.body); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	var out bytes.Buffer
	if err := analyzeStore(ctx, &out, st, nil, 2); err != nil {
		t.Fatalf("analyzeStore failed: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"=== Analyzing lobby ===",
		"Messages: 2 (seq 2 to 3)",
		"only the last 2 were analysed",
		"=== Analyzing random ===",
		"carol: 1",
		"✅ All messages pass inbound validation",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in output:\n%s", want, text)
		}
	}

	out.Reset()
	if err := analyzeStore(ctx, &out, st, []string{"nowhere"}, 10); err != nil {
		t.Fatalf("analyzeStore failed: %v", err)
	}
	if !strings.Contains(out.String(), "No messages") {
		t.Errorf("Expected an unknown room to have no messages, got:\n%s", out.String())
	}
}

func TestAnalyzeNoRooms(t *testing.T) {
	var out bytes.Buffer
	if err := analyzeStore(context.Background(), &out, store.NewMemory(), nil, 10); err != nil {
		t.Fatalf("analyzeStore failed: %v", err)
	}
	if !strings.Contains(out.String(), "No stored rooms.") {
		t.Errorf("Unexpected output: %s", out.String())
	}
}

func TestJoinSeqs(t *testing.T) {
	tests := []struct {
		input    []int64
		expected string
	}{
		{[]int64{1}, "1"},
		{[]int64{1, 2, 3}, "1, 2, 3"},
		{[]int64{1, 2, 3, 4, 5, 6, 7}, "1, 2, 3, 4, 5, ... and 2 more"},
	}

	for _, test := range tests {
		result := joinSeqs(test.input)
		if result != test.expected {
			t.Errorf("joinSeqs(%v) = %q, expected %q", test.input, result, test.expected)
		}
	}
}
