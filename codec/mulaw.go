package codec

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable [256]int16

func init() {
	for i := range mulawDecodeTable {
		mulawDecodeTable[i] = decodeMulaw(byte(i))
	}
}

func decodeMulaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)

	sample := ((mantissa << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func encodeMulaw(s int16) byte {
	v := int(s)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// MulawToPCM16 expands G.711 µ-law bytes to 16-bit linear samples.
// Every byte value maps to exactly one sample.
func MulawToPCM16(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, u := range b {
		out[i] = mulawDecodeTable[u]
	}
	return out
}

// PCM16ToMulaw compresses 16-bit linear samples to G.711 µ-law.
// Magnitudes above 32635 are clamped before encoding.
func PCM16ToMulaw(s []int16) []byte {
	out := make([]byte, len(s))
	for i, v := range s {
		out[i] = encodeMulaw(v)
	}
	return out
}
