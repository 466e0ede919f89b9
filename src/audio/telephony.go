package audio

import (
	"encoding/binary"
	"math"
)

// Sample rates across the pipeline.
const (
	// TelephonyRate is the carrier media-stream rate (G.711 at 8 kHz).
	TelephonyRate = 8000
	// STTRate is what speech-to-text providers are fed.
	STTRate = 16000
	// TTSRate is what text-to-speech providers return.
	TTSRate = 24000
)

// FrameBytes is the canonical outbound frame size: 20 ms of mu-law at 8 kHz.
const FrameBytes = 160

// ToTelephonyFrames converts little-endian 16-bit PCM at srcRate into
// fixed-size mu-law frames for the carrier. The last frame is right-padded
// with mu-law silence when the input does not align.
func ToTelephonyFrames(pcm []byte, srcRate int) [][]byte {
	samples := BytesToPCM(pcm)
	samples = Resample(samples, srcRate, TelephonyRate)
	mulaw := PCMToMulaw(samples)

	frames := make([][]byte, 0, (len(mulaw)+FrameBytes-1)/FrameBytes)
	for off := 0; off < len(mulaw); off += FrameBytes {
		end := off + FrameBytes
		if end <= len(mulaw) {
			frames = append(frames, mulaw[off:end])
			continue
		}
		frame := make([]byte, FrameBytes)
		n := copy(frame, mulaw[off:])
		for i := n; i < FrameBytes; i++ {
			frame[i] = MulawSilence
		}
		frames = append(frames, frame)
	}
	return frames
}

// FromTelephonyFrames concatenates inbound mu-law frames and converts them to
// little-endian 16-bit PCM at dstRate. Feeds speech-to-text at 16 kHz.
func FromTelephonyFrames(frames [][]byte, dstRate int) []byte {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	mulaw := make([]byte, 0, total)
	for _, f := range frames {
		mulaw = append(mulaw, f...)
	}

	pcm := MulawToPCM(mulaw)
	pcm = Resample(pcm, TelephonyRate, dstRate)
	return PCMToBytes(pcm)
}

// Silence returns durationMS of mu-law silence at the telephony rate.
func Silence(durationMS int) []byte {
	n := TelephonyRate * durationMS / 1000
	out := make([]byte, n)
	for i := range out {
		out[i] = MulawSilence
	}
	return out
}

// DurationMS reports how long the PCM data plays for at the given rate.
func DurationMS(pcm []byte, sampleRate int) int {
	samples := len(pcm) / 2
	return samples * 1000 / sampleRate
}

// SpeechEnergy reports whether the RMS amplitude of the 16-bit PCM data
// exceeds the threshold. Used by batch transcription to skip posting silence.
func SpeechEnergy(pcm []byte, threshold float64) bool {
	samples := BytesToPCM(pcm)
	if len(samples) == 0 {
		return false
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum/float64(len(samples))) > threshold
}

// WAV wraps 16-bit mono PCM in a canonical 44-byte RIFF header, as batch
// speech-to-text endpoints expect file uploads rather than raw PCM.
func WAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}
