package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned by [ReadWAVHeader] when the input is not a RIFF
// WAVE stream.
var ErrNotWAV = errors.New("audio: not a WAV stream")

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// ReadWAVHeader consumes a WAV header from r up to the start of the data
// chunk and returns the PCM format. Only 16-bit integer PCM is accepted.
func ReadWAVHeader(r io.Reader) (Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, ErrNotWAV
	}

	var (
		f       Format
		haveFmt bool
		hdr     [8]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Format{}, fmt.Errorf("audio: wav: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("audio: wav: fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, fmt.Errorf("audio: wav: read fmt chunk: %w", err)
			}
			tag := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if tag != wavFormatPCM && tag != wavFormatExtensible {
				return Format{}, fmt.Errorf("audio: wav: unsupported format tag %#x (want PCM)", tag)
			}
			if bits != 16 {
				return Format{}, fmt.Errorf("audio: wav: unsupported %d-bit samples (want 16)", bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			if f.Channels == 0 || f.SampleRate == 0 {
				return Format{}, fmt.Errorf("audio: wav: invalid format %s", f)
			}
			haveFmt = true
			if err := skip(r, size%2); err != nil {
				return Format{}, err
			}
		case "data":
			if !haveFmt {
				return Format{}, errors.New("audio: wav: data chunk before fmt chunk")
			}
			return f, nil
		default:
			if err := skip(r, size+size%2); err != nil {
				return Format{}, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("audio: wav: skip chunk: %w", err)
	}
	return nil
}

// IsWAV reports whether br starts with a RIFF WAVE header without
// consuming it.
func IsWAV(br *bufio.Reader) bool {
	b, err := br.Peek(12)
	return err == nil && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}

// EncodeWAVHeader returns a canonical 44-byte header for dataLen bytes of
// 16-bit PCM in format f.
func EncodeWAVHeader(f Format, dataLen int) []byte {
	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.SampleRate*f.frameSize()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.frameSize()))
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}
