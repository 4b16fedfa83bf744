package streaming

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// IsStreamInput reports whether a value is already a stream: a chunk
// channel, a slice of chunks, or anything implementing the pull interface.
func IsStreamInput(v any) bool {
	switch v.(type) {
	case <-chan Chunk, chan Chunk, []Chunk, Puller:
		return true
	}
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Chan && rv.Type().Elem() == reflect.TypeOf(Chunk{})
}

// Puller is the minimal pull-stream: Next blocks until a chunk is
// available, the stream ends (ok=false) or the context is cancelled.
type Puller interface {
	Next(ctx context.Context) (Chunk, bool, error)
}

// CollectOptions tunes stream folding.
type CollectOptions struct {
	// InterChunkDelay inserts simulated pacing between chunk reads.
	InterChunkDelay time.Duration
}

// Collect consumes an entire chunk stream and combines the chunk payloads:
// strings concatenate, slices append, maps merge, and mixed payloads come
// back as a slice in arrival order. An error chunk aborts the fold and is
// returned; cancellation aborts with the context's error.
func Collect(ctx context.Context, ch <-chan Chunk, opts CollectOptions) (any, error) {
	sc := registry.open(newStreamID(), 0)

	var values []any
	for {
		select {
		case <-ctx.Done():
			registry.close(sc.ID, StatusCancelled)
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				registry.close(sc.ID, StatusCompleted)
				return combine(values)
			}
			if chunk.Err != nil {
				registry.close(sc.ID, StatusFailed)
				return nil, chunk.Err
			}
			values = append(values, chunk.Data)
			registry.emitted(sc.ID)
			if opts.InterChunkDelay > 0 {
				select {
				case <-ctx.Done():
					registry.close(sc.ID, StatusCancelled)
					return nil, ctx.Err()
				case <-time.After(opts.InterChunkDelay):
				}
			}
		}
	}
}

// combine folds collected payloads by matching type.
func combine(values []any) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}

	allStrings := true
	allSlices := true
	allMaps := true
	for _, v := range values {
		switch v.(type) {
		case string:
			allSlices, allMaps = false, false
		case []any:
			allStrings, allMaps = false, false
		case map[string]any:
			allStrings, allSlices = false, false
		default:
			allStrings, allSlices, allMaps = false, false, false
		}
	}

	switch {
	case allStrings:
		var b strings.Builder
		for _, v := range values {
			b.WriteString(v.(string))
		}
		return b.String(), nil
	case allSlices:
		var out []any
		for _, v := range values {
			out = append(out, v.([]any)...)
		}
		return out, nil
	case allMaps:
		out := make(map[string]any)
		for _, v := range values {
			for k, item := range v.(map[string]any) {
				out[k] = item
			}
		}
		return out, nil
	}
	return values, nil
}

// Partition turns a single value into a bounded chunk stream. Strings split
// by characters, slices by elements and maps by keys; chunkSize counts
// those units. The producer writes to an unbuffered channel, so it blocks
// until the consumer pulls, and stops on context cancellation.
func Partition(ctx context.Context, value any, chunkSize int) (<-chan Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("streaming: chunkSize must be positive, got %d", chunkSize)
	}

	pieces, sizes, err := split(value, chunkSize)
	if err != nil {
		return nil, err
	}

	streamID := newStreamID()
	sc := registry.open(streamID, len(pieces))
	ch := make(chan Chunk)

	go func() {
		defer close(ch)
		for i, piece := range pieces {
			chunk := newChunk(streamID, piece, i, len(pieces), sizes[i])
			select {
			case <-ctx.Done():
				registry.close(sc.ID, StatusCancelled)
				return
			case ch <- chunk:
				registry.emitted(sc.ID)
			}
		}
		registry.close(sc.ID, StatusCompleted)
	}()

	return ch, nil
}

// split partitions a value into chunk payloads plus their unit sizes.
func split(value any, chunkSize int) ([]any, []int, error) {
	var pieces []any
	var sizes []int

	switch v := value.(type) {
	case string:
		runes := []rune(v)
		for start := 0; start < len(runes); start += chunkSize {
			end := start + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			pieces = append(pieces, string(runes[start:end]))
			sizes = append(sizes, end-start)
		}
	case []any:
		for start := 0; start < len(v); start += chunkSize {
			end := start + chunkSize
			if end > len(v) {
				end = len(v)
			}
			pieces = append(pieces, append([]any(nil), v[start:end]...))
			sizes = append(sizes, end-start)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for start := 0; start < len(keys); start += chunkSize {
			end := start + chunkSize
			if end > len(keys) {
				end = len(keys)
			}
			piece := make(map[string]any, end-start)
			for _, k := range keys[start:end] {
				piece[k] = v[k]
			}
			pieces = append(pieces, piece)
			sizes = append(sizes, end-start)
		}
	default:
		return nil, nil, fmt.Errorf("streaming: cannot partition %T", value)
	}

	if len(pieces) == 0 {
		// An empty value still yields one empty terminal chunk so consumers
		// observe isLast.
		pieces = append(pieces, emptyLike(value))
		sizes = append(sizes, 0)
	}
	return pieces, sizes, nil
}

func emptyLike(value any) any {
	switch value.(type) {
	case string:
		return ""
	case []any:
		return []any{}
	case map[string]any:
		return map[string]any{}
	}
	return nil
}
