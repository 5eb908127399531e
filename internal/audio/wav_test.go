package audio

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := make([]byte, 3200)
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("unexpected chunk ids in header: %q", wav[:44])
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
}

func TestEncodeWAVPCM16LERejectsOddLength(t *testing.T) {
	if _, err := EncodeWAVPCM16LE([]byte{1, 2, 3}, 16000); !errors.Is(err, ErrOddPCMLength) {
		t.Fatalf("EncodeWAVPCM16LE() error = %v, want %v", err, ErrOddPCMLength)
	}
}

func TestPCM16DurationRoundTrip(t *testing.T) {
	n := PCM16Bytes(250*time.Millisecond, 24000)
	if n != 12000 {
		t.Fatalf("PCM16Bytes() = %d, want 12000", n)
	}
	if got := PCM16Duration(n, 24000); got != 250*time.Millisecond {
		t.Fatalf("PCM16Duration() = %v, want 250ms", got)
	}
}
