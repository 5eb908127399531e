package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	DefaultSampleRate = 16000
	bytesPerSample    = 2
	wavHeaderSize     = 44
)

var ErrOddPCMLength = errors.New("pcm16 payload has an odd byte count")

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, ErrOddPCMLength
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	out := make([]byte, wavHeaderSize+len(pcm))
	le := binary.LittleEndian
	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], 1) // linear PCM
	le.PutUint16(out[22:], 1) // mono
	le.PutUint32(out[24:], uint32(sampleRate))
	le.PutUint32(out[28:], uint32(sampleRate*bytesPerSample))
	le.PutUint16(out[32:], bytesPerSample)
	le.PutUint16(out[34:], 8*bytesPerSample)
	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out, nil
}

// PCM16Duration is the playback length of a mono PCM16 buffer.
func PCM16Duration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := byteLen / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// PCM16Bytes is the buffer size holding d of mono PCM16 audio.
func PCM16Bytes(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return int(d*time.Duration(sampleRate)/time.Second) * bytesPerSample
}
