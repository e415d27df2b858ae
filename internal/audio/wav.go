package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrSampleRateUnknown = errors.New("sample rate unknown")
	ErrChannelsUnknown   = errors.New("channel count unknown")
	ErrUnalignedPCM      = errors.New("pcm payload not aligned to 16-bit samples")
	ErrNotWAV            = errors.New("payload is not a RIFF/WAVE file")
)

// Format describes 16-bit linear PCM as captured by the client.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate checks that the capture side supplied a usable format. A mismatch
// with the rate the recognizer expects is not detectable here.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return ErrSampleRateUnknown
	}
	if f.Channels <= 0 {
		return ErrChannelsUnknown
	}
	return nil
}

func ValidatePCM(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return ErrUnalignedPCM
	}
	return nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// DecodeWAV reads a 16-bit PCM WAV file and returns its samples as little
// endian bytes along with the format taken from the header.
func DecodeWAV(r io.ReadSeeker) ([]byte, Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, Format{}, ErrNotWAV
	}
	if dec.BitDepth != 16 {
		return nil, Format{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	return pcm, format, nil
}

// EncodeWAV writes little endian 16-bit PCM as a WAV file.
func EncodeWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	if err := ValidatePCM(pcm); err != nil {
		return err
	}
	if err := format.Validate(); err != nil {
		return err
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
