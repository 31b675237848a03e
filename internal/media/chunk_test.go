package media

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_SmallRecordingIsOneChunk(t *testing.T) {
	data := []byte("tiny")
	chunks, err := Split(data, 30*time.Second, 1024, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Final)
	assert.Equal(t, data, chunks[0].Data)
	assert.Equal(t, 30*time.Second, chunks[0].Duration)
}

func TestSplit_ProportionalRanges(t *testing.T) {
	data := bytes.Repeat([]byte{'x'}, 250)
	chunks, err := Split(data, 25*time.Second, 100, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Len(t, chunks[0].Data, 100)
	assert.Len(t, chunks[1].Data, 100)
	assert.Len(t, chunks[2].Data, 50)
	assert.Equal(t, 20*time.Second, chunks[2].Start)
	assert.Equal(t, 5*time.Second, chunks[2].Duration)

	var joined []byte
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, i == 2, c.Final)
		joined = append(joined, c.Data...)
	}
	assert.Equal(t, data, joined)
}

func TestSplit_Rejects(t *testing.T) {
	_, err := Split(nil, time.Second, 0, time.Second)
	assert.Error(t, err)
	_, err = Split([]byte("x"), -time.Second, 0, time.Second)
	assert.Error(t, err)
}

func TestChunk_SHA256(t *testing.T) {
	c := Chunk{Data: []byte("abc")}
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", c.SHA256())
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t,
		"matches/srv-1/jordan-burroughs-vs-kyle-dake/chunk-00001.bin",
		ObjectKey("srv-1", "Jordan Burroughs", "Kyle Dake", 1))
	assert.Equal(t, "a-vs-b", Pairing("", "!!"))
}
