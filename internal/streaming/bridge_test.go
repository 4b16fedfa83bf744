package streaming

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sendChunks(data ...any) <-chan Chunk {
	ch := make(chan Chunk, len(data))
	for i, d := range data {
		ch <- Chunk{ID: "s", Data: d, Index: i, TotalChunks: len(data), IsLast: i == len(data)-1}
	}
	close(ch)
	return ch
}

func TestCollectConcatenatesStrings(t *testing.T) {
	t.Parallel()
	got, err := Collect(context.Background(), sendChunks("Hel", "lo", "!"), CollectOptions{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got != "Hello!" {
		t.Fatalf("combined = %v", got)
	}
}

func TestCollectAppendsSlices(t *testing.T) {
	t.Parallel()
	got, err := Collect(context.Background(), sendChunks([]any{1, 2}, []any{3}), CollectOptions{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	arr, ok := got.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("combined = %#v", got)
	}
}

func TestCollectMergesMaps(t *testing.T) {
	t.Parallel()
	got, err := Collect(context.Background(), sendChunks(
		map[string]any{"a": 1},
		map[string]any{"b": 2, "a": 3},
	), CollectOptions{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("combined = %#v", got)
	}
	if m["a"] != 3 || m["b"] != 2 {
		t.Fatalf("merge = %#v", m)
	}
}

func TestCollectMixedFallsBackToSlice(t *testing.T) {
	t.Parallel()
	got, err := Collect(context.Background(), sendChunks("a", 1), CollectOptions{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	arr, ok := got.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("combined = %#v", got)
	}
}

func TestCollectRejectsOnErrorChunk(t *testing.T) {
	t.Parallel()
	boom := errors.New("upstream failed")
	ch := make(chan Chunk, 2)
	ch <- Chunk{Data: "partial"}
	ch <- Chunk{Err: boom}
	close(ch)

	_, err := Collect(context.Background(), ch, CollectOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected error chunk to surface, got %v", err)
	}
}

func TestCollectCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Chunk) // never written
	done := make(chan error, 1)
	go func() {
		_, err := Collect(ctx, ch, CollectOptions{})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("collect did not observe cancellation")
	}
}

func TestPartitionString(t *testing.T) {
	t.Parallel()
	ch, err := Partition(context.Background(), "abcdefg", 3)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d", len(chunks))
	}
	if chunks[0].Data != "abc" || chunks[1].Data != "def" || chunks[2].Data != "g" {
		t.Fatalf("pieces = %v", chunks)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if c.TotalChunks != 3 {
			t.Fatalf("totalChunks = %d", c.TotalChunks)
		}
		if c.ID == "" {
			t.Fatal("chunk missing stream id")
		}
		if c.Metadata.Timestamp == 0 {
			t.Fatal("chunk missing timestamp")
		}
	}
	if !chunks[2].IsLast || chunks[0].IsLast {
		t.Fatal("isLast mis-set")
	}
	if chunks[2].Metadata.ChunkSize != 1 {
		t.Fatalf("last chunk size = %d", chunks[2].Metadata.ChunkSize)
	}
}

func TestPartitionMapByKeys(t *testing.T) {
	t.Parallel()
	ch, err := Partition(context.Background(), map[string]any{"a": 1, "b": 2, "c": 3}, 2)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d", len(chunks))
	}
	first := chunks[0].Data.(map[string]any)
	if len(first) != 2 {
		t.Fatalf("first chunk keys = %v", first)
	}
}

func TestPartitionRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := Partition(context.Background(), "x", 0); err == nil {
		t.Fatal("expected error for zero chunkSize")
	}
	if _, err := Partition(context.Background(), 42, 1); err == nil {
		t.Fatal("expected error for unpartitionable type")
	}
}

func TestPartitionCancelStopsProducer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := Partition(ctx, "abcdefghij", 1)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	<-ch // pull one chunk, then abandon the stream
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed: producer exited
			}
		case <-deadline:
			t.Fatal("producer did not stop after cancel")
		}
	}
}

func TestPartitionEmptyValueYieldsTerminalChunk(t *testing.T) {
	t.Parallel()
	ch, err := Partition(context.Background(), "", 4)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 || !chunks[0].IsLast || chunks[0].Data != "" {
		t.Fatalf("chunks = %#v", chunks)
	}
}

func TestIsStreamInput(t *testing.T) {
	t.Parallel()
	if !IsStreamInput(make(chan Chunk)) {
		t.Fatal("chan Chunk should be a stream")
	}
	if !IsStreamInput([]Chunk{{}}) {
		t.Fatal("[]Chunk should be a stream")
	}
	if IsStreamInput("hello") {
		t.Fatal("string is not a stream")
	}
	if IsStreamInput(nil) {
		t.Fatal("nil is not a stream")
	}
}

func TestEncodeChunk(t *testing.T) {
	t.Parallel()
	c := newChunk("s1", "data", 1, 4, 4)
	e := Encode(c)
	if e.Encoding != "raw" || e.Index != 1 || e.TotalChunks != 4 || e.Data != "data" {
		t.Fatalf("encoded = %#v", e)
	}
	if e.Timestamp == 0 {
		t.Fatal("missing timestamp")
	}
}
