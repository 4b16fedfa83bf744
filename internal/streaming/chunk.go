// Package streaming bridges streaming and non-streaming payloads: it folds
// chunk streams into single values, partitions single values into annotated
// chunk streams, and tracks in-flight bridge invocations. Streams are
// pull-based Go channels; producers block when the consumer stops pulling,
// which is the back-pressure contract.
package streaming

import (
	"time"

	"github.com/google/uuid"
)

// ChunkMetadata annotates a chunk with its creation time and payload size.
type ChunkMetadata struct {
	Timestamp int64 `json:"timestamp"`
	ChunkSize int   `json:"chunkSize"`
}

// Chunk is one element of a bridged stream. Err marks a terminal failure;
// after an Err chunk the producer closes the channel.
type Chunk struct {
	ID          string        `json:"id"`
	Data        any           `json:"data"`
	Index       int           `json:"index"`
	TotalChunks int           `json:"totalChunks"`
	IsLast      bool          `json:"isLast"`
	Metadata    ChunkMetadata `json:"metadata"`
	Err         error         `json:"-"`
}

func newChunk(streamID string, data any, index, total int, size int) Chunk {
	return Chunk{
		ID:          streamID,
		Data:        data,
		Index:       index,
		TotalChunks: total,
		IsLast:      index == total-1,
		Metadata: ChunkMetadata{
			Timestamp: time.Now().UnixMilli(),
			ChunkSize: size,
		},
	}
}

func newStreamID() string {
	return uuid.NewString()
}

// EncodedChunk is the wire wrapper emitted when chunk encoding is enabled.
type EncodedChunk struct {
	Data        any    `json:"data"`
	Encoding    string `json:"encoding"`
	Index       int    `json:"index"`
	TotalChunks int    `json:"totalChunks"`
	Timestamp   int64  `json:"timestamp"`
}

// Encode wraps a raw chunk for transport.
func Encode(c Chunk) EncodedChunk {
	return EncodedChunk{
		Data:        c.Data,
		Encoding:    "raw",
		Index:       c.Index,
		TotalChunks: c.TotalChunks,
		Timestamp:   c.Metadata.Timestamp,
	}
}
