// Package audio prepares 16-bit little-endian PCM for realtime
// transcription: it reads WAV headers, downmixes to mono, and resamples to
// the rate of the session encoding.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// frameSize is the number of bytes per multi-channel sample frame.
func (f Format) frameSize() int { return 2 * f.Channels }

// Converter turns a chunked PCM stream of one format into mono PCM at a
// target rate. Chunks may split sample frames anywhere; the remainder is
// carried into the next call. Resampling is continuous across chunks.
// A Converter is not safe for concurrent use.
type Converter struct {
	from  Format
	rate  int
	carry []byte
	rs    *resampler
}

// NewConverter returns a Converter from from to mono at targetRate.
func NewConverter(from Format, targetRate int, log *slog.Logger) (*Converter, error) {
	if from.SampleRate <= 0 || from.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid source format %s", from)
	}
	if targetRate <= 0 {
		return nil, fmt.Errorf("audio: invalid target rate %d", targetRate)
	}
	c := &Converter{from: from, rate: targetRate}
	if from.SampleRate != targetRate {
		c.rs = &resampler{ratio: float64(from.SampleRate) / float64(targetRate)}
	}
	if from.SampleRate != targetRate || from.Channels != 1 {
		if log == nil {
			log = slog.Default()
		}
		log.Info("audio: converting input",
			"from", from.String(),
			"to", Format{SampleRate: targetRate, Channels: 1}.String(),
		)
	}
	return c, nil
}

// Convert converts the next chunk. The result may be empty when the chunk
// does not complete a frame or the resampler needs more input.
func (c *Converter) Convert(pcm []byte) []byte {
	if len(c.carry) > 0 {
		pcm = append(c.carry, pcm...)
		c.carry = nil
	}
	fs := c.from.frameSize()
	whole := len(pcm) - len(pcm)%fs
	if whole < len(pcm) {
		c.carry = append([]byte(nil), pcm[whole:]...)
	}
	pcm = pcm[:whole]
	if c.from.Channels != 1 {
		pcm = Downmix(pcm, c.from.Channels)
	}
	if c.rs == nil {
		return pcm
	}
	return samplesToBytes(c.rs.push(bytesToSamples(pcm)))
}

// Flush returns the output still held by the resampler. A trailing partial
// frame is discarded.
func (c *Converter) Flush() []byte {
	c.carry = nil
	if c.rs == nil {
		return nil
	}
	return samplesToBytes(c.rs.flush())
}

// Reader converts PCM read from an underlying reader on the fly.
type Reader struct {
	src  io.Reader
	conv *Converter
	in   []byte
	out  []byte
	eof  bool
}

// NewReader returns a Reader yielding mono PCM at targetRate from src,
// which carries PCM in format from.
func NewReader(src io.Reader, from Format, targetRate int, log *slog.Logger) (*Reader, error) {
	conv, err := NewConverter(from, targetRate, log)
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, conv: conv, in: make([]byte, 8192)}, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		n, err := r.src.Read(r.in)
		if n > 0 {
			r.out = r.conv.Convert(r.in[:n])
		}
		if err == io.EOF {
			r.eof = true
			r.out = append(r.out, r.conv.Flush()...)
		} else if err != nil {
			return 0, err
		}
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	return Downmix(pcm, 2)
}

// Downmix averages the channels of every interleaved frame into one mono
// sample. A trailing partial frame is dropped.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	fs := 2 * channels
	frames := len(pcm) / fs
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*fs + ch*2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		// The mean of int16 values always fits in int16.
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If the rates match or either is not positive, the
// input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	rs := &resampler{ratio: float64(srcRate) / float64(dstRate)}
	out := rs.push(bytesToSamples(pcm))
	return samplesToBytes(append(out, rs.flush()...))
}

// resampler is a streaming linear-interpolation resampler. next is the
// source position of the next output sample, relative to buf[0].
type resampler struct {
	ratio float64
	next  float64
	buf   []int16
}

func (r *resampler) push(in []int16) []int16 {
	r.buf = append(r.buf, in...)
	var out []int16
	for {
		idx := int(r.next)
		if idx+1 >= len(r.buf) {
			break
		}
		frac := r.next - float64(idx)
		out = append(out, int16(float64(r.buf[idx])*(1-frac)+float64(r.buf[idx+1])*frac))
		r.next += r.ratio
	}
	drop := min(int(r.next), len(r.buf))
	r.buf = append(r.buf[:0], r.buf[drop:]...)
	r.next -= float64(drop)
	return out
}

// flush emits the samples that were waiting for a right-hand neighbour,
// holding the last sample.
func (r *resampler) flush() []int16 {
	var out []int16
	for int(r.next) < len(r.buf) {
		out = append(out, r.buf[int(r.next)])
		r.next += r.ratio
	}
	r.buf = r.buf[:0]
	r.next = 0
	return out
}

func bytesToSamples(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return s
}

func samplesToBytes(s []int16) []byte {
	b := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}
