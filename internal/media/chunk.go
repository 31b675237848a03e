// Package media splits recorded match video into time-bounded chunks and
// names them in object storage.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gosimple/slug"
)

// Defaults for chunking.
const (
	DefaultThreshold     = 8 << 20
	DefaultChunkDuration = 10 * time.Second
)

// Chunk is one byte range of a recording.
type Chunk struct {
	Index    int
	Start    time.Duration
	Duration time.Duration
	Data     []byte
	Final    bool
}

// SHA256 returns the hex digest of the chunk data.
func (c Chunk) SHA256() string {
	sum := sha256.Sum256(c.Data)
	return hex.EncodeToString(sum[:])
}

// Split divides data into chunks of chunkDuration. Byte ranges are
// proportional to time. Recordings at or under threshold bytes, or with no
// duration, are a single chunk. The last chunk is always Final.
func Split(data []byte, duration time.Duration, threshold int, chunkDuration time.Duration) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("split: empty recording")
	}
	if duration < 0 || chunkDuration < 0 {
		return nil, fmt.Errorf("split: negative duration")
	}
	if len(data) <= threshold || duration < time.Millisecond || chunkDuration < time.Millisecond || duration <= chunkDuration {
		return []Chunk{{Index: 0, Duration: duration, Data: data, Final: true}}, nil
	}

	n := int((duration + chunkDuration - 1) / chunkDuration)
	chunks := make([]Chunk, 0, n)
	size := int64(len(data))
	total := duration.Milliseconds()
	for i := 0; i < n; i++ {
		start := time.Duration(i) * chunkDuration
		end := start + chunkDuration
		if end > duration {
			end = duration
		}
		lo := size * start.Milliseconds() / total
		hi := size * end.Milliseconds() / total
		if i == n-1 {
			hi = size
		}
		chunks = append(chunks, Chunk{
			Index:    i,
			Start:    start,
			Duration: end - start,
			Data:     data[lo:hi],
			Final:    i == n-1,
		})
	}
	return chunks, nil
}

// ObjectKey names a chunk in object storage, e.g.
// matches/srv-1/jordan-burroughs-vs-kyle-dake/chunk-00001.bin.
func ObjectKey(matchID, nameA, nameB string, index int) string {
	return fmt.Sprintf("matches/%s/%s/chunk-%05d.bin", matchID, Pairing(nameA, nameB), index)
}

// Pairing returns the slug of a bout, "a-vs-b".
func Pairing(nameA, nameB string) string {
	a, b := slug.Make(nameA), slug.Make(nameB)
	if a == "" {
		a = "a"
	}
	if b == "" {
		b = "b"
	}
	return a + "-vs-" + b
}
