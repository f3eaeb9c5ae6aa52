package transcription

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPCM16(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x10, 0x00}

	wav, err := WrapPCM16(pcm, 16000)
	require.NoError(t, err)
	require.Len(t, wav, wavHeaderSize+len(pcm))
	assert.True(t, IsWAV(wav))

	var header wavHeader
	require.NoError(t, binary.Read(bytes.NewReader(wav), binary.LittleEndian, &header))
	assert.Equal(t, uint32(36+len(pcm)), header.ChunkSize)
	assert.Equal(t, uint16(1), header.AudioFormat)
	assert.Equal(t, uint16(1), header.NumChannels)
	assert.Equal(t, uint32(16000), header.SampleRate)
	assert.Equal(t, uint32(32000), header.ByteRate)
	assert.Equal(t, uint16(2), header.BlockAlign)
	assert.Equal(t, uint16(16), header.BitsPerSample)
	assert.Equal(t, uint32(len(pcm)), header.Subchunk2Size)
	assert.Equal(t, pcm, wav[wavHeaderSize:])
}

func TestWrapPCM16Errors(t *testing.T) {
	tests := []struct {
		name       string
		pcm        []byte
		sampleRate int
		errorMsg   string
	}{
		{"empty", nil, 16000, "cannot wrap empty audio"},
		{"odd length", []byte{1, 2, 3}, 16000, "even length"},
		{"zero sample rate", []byte{1, 2}, 0, "sample rate must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WrapPCM16(tt.pcm, tt.sampleRate)
			assert.ErrorContains(t, err, tt.errorMsg)
		})
	}
}

func TestIsWAV(t *testing.T) {
	assert.False(t, IsWAV(nil))
	assert.False(t, IsWAV([]byte("RIFF")))
	assert.False(t, IsWAV(make([]byte, 64)))
	assert.True(t, IsWAV([]byte("RIFF\x00\x00\x00\x00WAVEfmt ")))
}
