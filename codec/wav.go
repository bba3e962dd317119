package codec

import "encoding/binary"

const wavHeaderSize = 44

// EncodeWAV wraps the chunk in a mono 16-bit RIFF/WAVE container.
func EncodeWAV(c AudioChunk) []byte {
	data := c.Bytes()
	out := make([]byte, wavHeaderSize+len(data))

	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(data)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:], 1) // mono
	binary.LittleEndian.PutUint32(out[24:], uint32(c.SampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(c.SampleRate*2))
	binary.LittleEndian.PutUint16(out[32:], 2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(data)))
	copy(out[wavHeaderSize:], data)

	return out
}
