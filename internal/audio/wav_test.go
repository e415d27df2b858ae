package audio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFormatValidate(t *testing.T) {
	if err := (Format{Channels: 1}).Validate(); !errors.Is(err, ErrSampleRateUnknown) {
		t.Fatalf("expected ErrSampleRateUnknown, got %v", err)
	}
	if err := (Format{SampleRate: 16000}).Validate(); !errors.Is(err, ErrChannelsUnknown) {
		t.Fatalf("expected ErrChannelsUnknown, got %v", err)
	}
	if err := (Format{SampleRate: 16000, Channels: 1}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatePCM(t *testing.T) {
	if err := ValidatePCM([]byte{1, 2, 3}); !errors.Is(err, ErrUnalignedPCM) {
		t.Fatalf("expected ErrUnalignedPCM, got %v", err)
	}
}

func TestDecodeWAVReportsHeaderFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x10, 0x00}
	if err := EncodeWAV(f, pcm, Format{SampleRate: 44100, Channels: 1}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !IsWAV(data) {
		t.Fatal("expected RIFF/WAVE header")
	}

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	decoded, format, err := DecodeWAV(in)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if format.SampleRate != 44100 || format.Channels != 1 {
		t.Fatalf("unexpected format %+v", format)
	}
	if string(decoded) != string(pcm) {
		t.Fatalf("decoded samples differ: %v vs %v", decoded, pcm)
	}
}

func TestIsWAVRejectsRawPCM(t *testing.T) {
	if IsWAV([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}) {
		t.Fatal("raw pcm detected as wav")
	}
}
