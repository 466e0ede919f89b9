package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToTelephonyFramesSize(t *testing.T) {
	// 100 ms of 16 kHz PCM becomes 100 ms of 8 kHz mu-law: 800 bytes, five
	// exact frames.
	pcm := make([]byte, 1600*2)
	frames := ToTelephonyFrames(pcm, STTRate)
	require.Len(t, frames, 5)
	for _, f := range frames {
		assert.Len(t, f, FrameBytes)
	}
}

func TestToTelephonyFramesPadding(t *testing.T) {
	// 90 samples at 8 kHz does not fill a frame; the tail pads with mu-law
	// silence.
	pcm := PCMToBytes(make([]int16, 90))
	frames := ToTelephonyFrames(pcm, TelephonyRate)
	require.Len(t, frames, 1)
	require.Len(t, frames[0], FrameBytes)
	for i := 90; i < FrameBytes; i++ {
		assert.Equal(t, byte(MulawSilence), frames[0][i], "index %d", i)
	}
}

func TestFromTelephonyFramesUpsamples(t *testing.T) {
	frames := [][]byte{make([]byte, FrameBytes), make([]byte, FrameBytes)}
	for _, f := range frames {
		for i := range f {
			f[i] = MulawSilence
		}
	}
	pcm := FromTelephonyFrames(frames, STTRate)
	// 320 mu-law samples at 8 kHz -> 640 samples at 16 kHz -> 1280 bytes.
	assert.Len(t, pcm, 1280)
}

func TestSilence(t *testing.T) {
	s := Silence(20)
	require.Len(t, s, 160)
	for _, b := range s {
		assert.Equal(t, byte(MulawSilence), b)
	}
}

func TestDurationMS(t *testing.T) {
	// One second of 16 kHz 16-bit audio.
	assert.Equal(t, 1000, DurationMS(make([]byte, 32000), STTRate))
	assert.Equal(t, 0, DurationMS(nil, STTRate))
}

func TestSpeechEnergy(t *testing.T) {
	quiet := make([]int16, 1600)
	assert.False(t, SpeechEnergy(PCMToBytes(quiet), 500))

	loud := make([]int16, 1600)
	for i := range loud {
		loud[i] = 4000
	}
	assert.True(t, SpeechEnergy(PCMToBytes(loud), 500))

	assert.False(t, SpeechEnergy(nil, 500))
}

func TestWAVHeader(t *testing.T) {
	data := make([]byte, 320)
	wav := WAV(data, STTRate)
	require.Len(t, wav, 44+320)

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(320+36), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(wav[16:20]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[20:22]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(wav[28:32]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(wav[32:34]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(320), binary.LittleEndian.Uint32(wav[40:44]))
}
