package audio_test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/iotest"

	"github.com/acedergren/ocigenai/pkg/audio"
)

var quiet = slog.New(slog.DiscardHandler)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	equalSamples(t, bytesToSamples(audio.StereoToMono(stereo)), []int16{150, -150})
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	t.Parallel()
	stereo := samplesToBytes([]int16{32767, 32767, -32768, -32768})
	equalSamples(t, bytesToSamples(audio.StereoToMono(stereo)), []int16{32767, -32768})
}

func TestDownmix_FourChannels(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{4, 8, 12, 16, -4, -4, -4, -4, 1})
	// Trailing partial frame is dropped.
	equalSamples(t, bytesToSamples(audio.Downmix(pcm, 4)), []int16{10, -4})
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3})
	if got := audio.ResampleMono16(pcm, 16000, 16000); !bytes.Equal(got, pcm) {
		t.Errorf("same-rate resample changed data")
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{0, 100, 200, 300})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	equalSamples(t, got, []int16{0, 50, 100, 150, 200, 250, 300, 300})
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{0, 10, 20, 30, 40, 50})
	got := bytesToSamples(audio.ResampleMono16(pcm, 48000, 16000))
	equalSamples(t, got, []int16{0, 30})
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2})
	if got := audio.ResampleMono16(pcm, 0, 16000); !bytes.Equal(got, pcm) {
		t.Error("zero source rate should return input unchanged")
	}
}

func TestConverter_ChunkBoundaryInvariance(t *testing.T) {
	t.Parallel()
	var samples []int16
	for i := range 600 {
		samples = append(samples, int16(i*7%2000), int16(-i*3%2000))
	}
	pcm := samplesToBytes(samples)
	from := audio.Format{SampleRate: 48000, Channels: 2}

	whole, err := audio.NewConverter(from, 16000, quiet)
	if err != nil {
		t.Fatal(err)
	}
	want := append(whole.Convert(pcm), whole.Flush()...)

	// Odd-sized chunks split frames and samples.
	split, _ := audio.NewConverter(from, 16000, quiet)
	var got []byte
	for i := 0; i < len(pcm); i += 7 {
		got = append(got, split.Convert(pcm[i:min(i+7, len(pcm))])...)
	}
	got = append(got, split.Flush()...)

	if !bytes.Equal(got, want) {
		t.Fatalf("chunked conversion differs: got %d bytes, want %d", len(got), len(want))
	}
	if len(want) != 200*2 {
		t.Errorf("output length = %d bytes, want %d", len(want), 200*2)
	}
}

func TestConverter_Passthrough(t *testing.T) {
	t.Parallel()
	c, err := audio.NewConverter(audio.Format{SampleRate: 16000, Channels: 1}, 16000, quiet)
	if err != nil {
		t.Fatal(err)
	}
	pcm := samplesToBytes([]int16{5, 6, 7})
	if got := c.Convert(pcm[:3]); len(got) != 2 {
		t.Fatalf("first chunk = %d bytes, want one whole sample", len(got))
	}
	if got := bytesToSamples(c.Convert(pcm[3:])); len(got) != 2 || got[0] != 6 || got[1] != 7 {
		t.Fatalf("second chunk samples = %v, want [6 7]", got)
	}
	if got := c.Flush(); len(got) != 0 {
		t.Errorf("Flush = %d bytes, want 0", len(got))
	}
}

func TestNewConverter_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := audio.NewConverter(audio.Format{SampleRate: 0, Channels: 1}, 16000, quiet); err == nil {
		t.Error("expected error for zero source rate")
	}
	if _, err := audio.NewConverter(audio.Format{SampleRate: 16000, Channels: 1}, 0, quiet); err == nil {
		t.Error("expected error for zero target rate")
	}
}

func TestReader_OneByteReads(t *testing.T) {
	t.Parallel()
	samples := []int16{0, 0, 100, 100, 200, 200, 300, 300}
	pcm := samplesToBytes(samples)
	from := audio.Format{SampleRate: 8000, Channels: 2}

	r, err := audio.NewReader(iotest.OneByteReader(bytes.NewReader(pcm)), from, 16000, quiet)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	equalSamples(t, bytesToSamples(got), []int16{0, 50, 100, 150, 200, 250, 300, 300})
}

func TestWAVHeader_RoundTrip(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 44100, Channels: 2}
	data := samplesToBytes([]int16{1, 2, 3, 4})
	wav := append(audio.EncodeWAVHeader(f, len(data)), data...)

	br := bufio.NewReader(bytes.NewReader(wav))
	if !audio.IsWAV(br) {
		t.Fatal("IsWAV = false")
	}
	got, err := audio.ReadWAVHeader(br)
	if err != nil {
		t.Fatalf("ReadWAVHeader: %v", err)
	}
	if got != f {
		t.Errorf("format = %v, want %v", got, f)
	}
	rest, _ := io.ReadAll(br)
	if !bytes.Equal(rest, data) {
		t.Errorf("reader not positioned at data chunk: %v", rest)
	}
}

func TestWAVHeader_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()
	hdr := audio.EncodeWAVHeader(audio.Format{SampleRate: 16000, Channels: 1}, 2)
	var b bytes.Buffer
	b.Write(hdr[:36])
	// An odd-sized LIST chunk followed by its pad byte.
	b.WriteString("LIST")
	binary.Write(&b, binary.LittleEndian, uint32(3))
	b.Write([]byte{'a', 'b', 'c', 0})
	b.Write(hdr[36:])
	b.Write([]byte{9, 0})

	r := bytes.NewReader(b.Bytes())
	f, err := audio.ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("ReadWAVHeader: %v", err)
	}
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("format = %v", f)
	}
	if rest, _ := io.ReadAll(r); !bytes.Equal(rest, []byte{9, 0}) {
		t.Errorf("data = %v, want [9 0]", rest)
	}
}

func TestWAVHeader_Rejects(t *testing.T) {
	t.Parallel()
	raw := samplesToBytes(make([]int16, 32))
	if _, err := audio.ReadWAVHeader(bytes.NewReader(raw)); !errors.Is(err, audio.ErrNotWAV) {
		t.Errorf("raw PCM: err = %v, want ErrNotWAV", err)
	}
	if audio.IsWAV(bufio.NewReader(bytes.NewReader(raw))) {
		t.Error("IsWAV(raw PCM) = true")
	}

	h := audio.EncodeWAVHeader(audio.Format{SampleRate: 16000, Channels: 1}, 0)
	binary.LittleEndian.PutUint16(h[34:36], 24)
	if _, err := audio.ReadWAVHeader(bytes.NewReader(h)); err == nil {
		t.Error("24-bit WAV: expected error")
	}
}
