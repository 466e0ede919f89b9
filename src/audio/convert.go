// Package audio implements the sample-level codec work for the bridge:
// ITU-T G.711 mu-law (and A-law) conversion, linear resampling, and the
// telephony framing used on the carrier media stream.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Mu-law encoding constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawSilence is the mu-law code for a zero-amplitude sample.
const MulawSilence = 0xFF

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// MulawDecode converts one mu-law byte to a linear PCM sample.
func MulawDecode(b byte) int16 {
	return mulawDecodeTable[b]
}

// MulawEncode converts one linear PCM sample to its mu-law byte.
func MulawEncode(pcm int16) byte {
	sign := uint8(0)
	if pcm < 0 {
		sign = 0x80
		if pcm == math.MinInt16 {
			pcm = math.MaxInt16
		} else {
			pcm = -pcm
		}
	}

	if pcm > mulawClip {
		pcm = mulawClip
	}
	pcm += mulawBias

	// Segment is the position of the highest set bit above bit 7; the
	// mantissa is the next four bits down.
	var exponent uint8
	switch {
	case pcm >= 0x4000:
		exponent = 7
	case pcm >= 0x2000:
		exponent = 6
	case pcm >= 0x1000:
		exponent = 5
	case pcm >= 0x800:
		exponent = 4
	case pcm >= 0x400:
		exponent = 3
	case pcm >= 0x200:
		exponent = 2
	case pcm >= 0x100:
		exponent = 1
	default:
		exponent = 0
	}
	mantissa := uint8((pcm >> (exponent + 3)) & 0x0F)

	// All bits inverted per G.711.
	return ^(sign | (exponent << 4) | mantissa)
}

// MulawToPCM converts mu-law bytes to linear PCM samples.
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, b := range mulaw {
		pcm[i] = mulawDecodeTable[b]
	}
	return pcm
}

// PCMToMulaw converts linear PCM samples to mu-law bytes.
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, s := range pcm {
		mulaw[i] = MulawEncode(s)
	}
	return mulaw
}

// BytesToPCM interprets data as 16-bit little-endian samples. An odd trailing
// byte is treated as truncation and dropped.
func BytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}

// PCMToBytes emits samples as 16-bit little-endian.
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Resample performs fractional-index linear interpolation between adjacent
// samples. Identity when rates are equal. Deterministic and voice-band only;
// not suitable for high-fidelity audio.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			s1 := float64(input[srcIdx])
			s2 := float64(input[srcIdx+1])
			output[i] = int16(s1 + (s2-s1)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}

	return output
}

// A-law support is carried for carrier regions that negotiate PCMA on the
// media stream instead of PCMU.
var alawDecodeTable = [256]int16{
	-5504, -5248, -6016, -5760, -4480, -4224, -4992, -4736,
	-7552, -7296, -8064, -7808, -6528, -6272, -7040, -6784,
	-2752, -2624, -3008, -2880, -2240, -2112, -2496, -2368,
	-3776, -3648, -4032, -3904, -3264, -3136, -3520, -3392,
	-22016, -20992, -24064, -23040, -17920, -16896, -19968, -18944,
	-30208, -29184, -32256, -31232, -26112, -25088, -28160, -27136,
	-11008, -10496, -12032, -11520, -8960, -8448, -9984, -9472,
	-15104, -14592, -16128, -15616, -13056, -12544, -14080, -13568,
	-344, -328, -376, -360, -280, -264, -312, -296,
	-472, -456, -504, -488, -408, -392, -440, -424,
	-88, -72, -120, -104, -24, -8, -56, -40,
	-216, -200, -248, -232, -152, -136, -184, -168,
	-1376, -1312, -1504, -1440, -1120, -1056, -1248, -1184,
	-1888, -1824, -2016, -1952, -1632, -1568, -1760, -1696,
	-688, -656, -752, -720, -560, -528, -624, -592,
	-944, -912, -1008, -976, -816, -784, -880, -848,
	5504, 5248, 6016, 5760, 4480, 4224, 4992, 4736,
	7552, 7296, 8064, 7808, 6528, 6272, 7040, 6784,
	2752, 2624, 3008, 2880, 2240, 2112, 2496, 2368,
	3776, 3648, 4032, 3904, 3264, 3136, 3520, 3392,
	22016, 20992, 24064, 23040, 17920, 16896, 19968, 18944,
	30208, 29184, 32256, 31232, 26112, 25088, 28160, 27136,
	11008, 10496, 12032, 11520, 8960, 8448, 9984, 9472,
	15104, 14592, 16128, 15616, 13056, 12544, 14080, 13568,
	344, 328, 376, 360, 280, 264, 312, 296,
	472, 456, 504, 488, 408, 392, 440, 424,
	88, 72, 120, 104, 24, 8, 56, 40,
	216, 200, 248, 232, 152, 136, 184, 168,
	1376, 1312, 1504, 1440, 1120, 1056, 1248, 1184,
	1888, 1824, 2016, 1952, 1632, 1568, 1760, 1696,
	688, 656, 752, 720, 560, 528, 624, 592,
	944, 912, 1008, 976, 816, 784, 880, 848,
}

// AlawDecode converts one A-law byte to a linear PCM sample.
func AlawDecode(b byte) int16 {
	return alawDecodeTable[b]
}

// AlawToPCM converts A-law bytes to linear PCM samples.
func AlawToPCM(alaw []byte) []int16 {
	pcm := make([]int16, len(alaw))
	for i, b := range alaw {
		pcm[i] = alawDecodeTable[b]
	}
	return pcm
}

var alawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// AlawEncode converts one linear PCM sample to its A-law byte. A-law works on
// the top 13 bits of the sample.
func AlawEncode(pcm int16) byte {
	mask := byte(0xD5)
	v := int(pcm) >> 3
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	seg := 0
	for seg < 8 && v > alawSegEnd[seg] {
		seg++
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}

	aval := byte(seg) << 4
	if seg < 2 {
		aval |= byte(v>>1) & 0x0F
	} else {
		aval |= byte(v>>seg) & 0x0F
	}
	return aval ^ mask
}

// PCMToAlaw converts linear PCM samples to A-law bytes.
func PCMToAlaw(pcm []int16) []byte {
	alaw := make([]byte, len(pcm))
	for i, s := range pcm {
		alaw[i] = AlawEncode(s)
	}
	return alaw
}

// DecodeCodec decodes carrier audio in the named codec to PCM samples.
// Recognized names follow the media-format announcements seen in the wild.
func DecodeCodec(data []byte, codec string) ([]int16, error) {
	switch codec {
	case "mulaw", "ulaw", "PCMU", "audio/x-mulaw":
		return MulawToPCM(data), nil
	case "alaw", "PCMA":
		return AlawToPCM(data), nil
	case "linear16", "pcm", "PCM", "audio/x-l16":
		return BytesToPCM(data), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}
