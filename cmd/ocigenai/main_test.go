package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/acedergren/ocigenai/pkg/provider/stt"
)

type fakeHandle struct {
	mu       sync.Mutex
	chunks   [][]byte
	sendErr  error
	partials chan stt.Transcript
	finals   chan stt.Transcript
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		partials: make(chan stt.Transcript, 4),
		finals:   make(chan stt.Transcript, 4),
	}
}

func (h *fakeHandle) SendAudio(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.chunks = append(h.chunks, bytes.Clone(chunk))
	return nil
}

func (h *fakeHandle) Partials() <-chan stt.Transcript { return h.partials }
func (h *fakeHandle) Finals() <-chan stt.Transcript   { return h.finals }
func (h *fakeHandle) Err() error                      { return nil }
func (h *fakeHandle) Close() error                    { return nil }

func TestPumpAudio_Chunks(t *testing.T) {
	t.Parallel()
	h := newFakeHandle()
	audio := bytes.Repeat([]byte{1}, 2500)

	if err := pumpAudio(context.Background(), bytes.NewReader(audio), h, 1000, false); err != nil {
		t.Fatalf("pumpAudio: %v", err)
	}
	var sizes []int
	for _, c := range h.chunks {
		sizes = append(sizes, len(c))
	}
	if len(sizes) != 3 || sizes[0] != 1000 || sizes[1] != 1000 || sizes[2] != 500 {
		t.Errorf("chunk sizes = %v, want [1000 1000 500]", sizes)
	}
}

func TestPumpAudio_SendError(t *testing.T) {
	t.Parallel()
	h := newFakeHandle()
	h.sendErr = stt.ErrSessionClosed

	err := pumpAudio(context.Background(), bytes.NewReader(make([]byte, 10)), h, 4, false)
	if !errors.Is(err, stt.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestPrintTranscripts_EndsWhenChannelsClose(t *testing.T) {
	t.Parallel()
	h := newFakeHandle()
	h.partials <- stt.Transcript{Text: "hel"}
	h.finals <- stt.Transcript{Text: "hello", IsFinal: true}
	close(h.partials)
	close(h.finals)

	if err := printTranscripts(context.Background(), h, false); err != nil {
		t.Fatalf("printTranscripts: %v", err)
	}
}

func TestPrintTranscripts_Canceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := printTranscripts(ctx, newFakeHandle(), false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestReadLines(t *testing.T) {
	t.Parallel()
	lines, err := readLines(strings.NewReader("first\n\n  second  \n\nthird"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "second", "third"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", lines, want)
	}
}

func TestLoadConfig_MissingDefaultPath(t *testing.T) {
	for _, k := range []string{"OCI_REGION", "OCI_COMPARTMENT_ID", "OCI_GENAI_API_KEY", "OCI_GENAI_DSN"} {
		t.Setenv(k, "")
	}
	path := t.TempDir() + "/absent.yaml"

	if _, err := loadConfig(path, false); err != nil {
		t.Fatalf("implicit missing config should fall back to defaults: %v", err)
	}
	if _, err := loadConfig(path, true); err == nil {
		t.Fatal("explicit missing config should fail")
	}
}
