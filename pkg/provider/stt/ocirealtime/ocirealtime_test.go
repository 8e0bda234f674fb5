package ocirealtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/stt"
	"github.com/acedergren/ocigenai/pkg/realtime"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newService runs handle for every accepted WebSocket connection and
// returns its ws:// URL.
func newService(t *testing.T, handle func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handle(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeJSON(ctx context.Context, c *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func authenticate(ctx context.Context, c *websocket.Conn) error {
	_, data, err := c.Read(ctx)
	if err != nil {
		return err
	}
	if ev := gjson.GetBytes(data, "event").String(); ev != "AUTHENTICATE" {
		return errors.New("first frame was " + ev)
	}
	return writeJSON(ctx, c, map[string]any{"event": "CONNECT", "sessionId": "s-1"})
}

func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func transcription(text string, final bool, startMs, endMs int) map[string]any {
	return map[string]any{
		"transcription": text,
		"isFinal":       final,
		"startTimeInMs": startMs,
		"endTimeInMs":   endMs,
		"confidence":    0.8,
		"tokens": []any{map[string]any{
			"token": text, "startTimeInMs": startMs, "endTimeInMs": endMs, "confidence": 0.8, "type": "WORD",
		}},
	}
}

func newTestProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := New(realtime.Settings{
		CompartmentID:    "ocid1.compartment.oc1..test",
		Endpoint:         url,
		ConnectTimeout:   2 * time.Second,
		AuthTimeout:      time.Second,
		DisableReconnect: true,
		CloseGrace:       10 * time.Millisecond,
		FinalResultGrace: 20 * time.Millisecond,
	}, realtime.TokenIssuerFunc(func(context.Context, string) (string, error) {
		return "tok", nil
	}), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func receive(t *testing.T, ch <-chan stt.Transcript) stt.Transcript {
	t.Helper()
	select {
	case tr, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
	return stt.Transcript{}
}

func TestProvider_StreamsPartialsAndFinals(t *testing.T) {
	t.Parallel()

	url := newService(t, func(ctx context.Context, c *websocket.Conn) {
		if err := authenticate(ctx, c); err != nil {
			return
		}
		if typ, _, err := c.Read(ctx); err != nil || typ != websocket.MessageBinary {
			return
		}
		_ = writeJSON(ctx, c, map[string]any{"event": "RESULT", "transcriptions": []any{
			transcription("hel", false, 0, 300),
			transcription("hello", true, 0, 600),
		}})
		drain(ctx, c)
	})
	h, err := newTestProvider(t, url).StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if err := h.SendAudio(make([]byte, 3200)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	partial := receive(t, h.Partials())
	if partial.Text != "hel" || partial.IsFinal || partial.Sequence != 1 {
		t.Fatalf("partial = %+v", partial)
	}
	final := receive(t, h.Finals())
	if final.Text != "hello" || !final.IsFinal || final.Sequence != 2 {
		t.Fatalf("final = %+v", final)
	}
	if final.Duration != 600*time.Millisecond || len(final.Words) != 1 {
		t.Fatalf("final timing = %v, words = %d", final.Duration, len(final.Words))
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-h.Finals(); ok {
		t.Fatal("Finals should be closed after Close")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Fatalf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}

func TestProvider_AuthFailureSurfacesFromStartStream(t *testing.T) {
	t.Parallel()

	url := newService(t, func(ctx context.Context, c *websocket.Conn) {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		_ = writeJSON(ctx, c, map[string]any{"event": "ERROR", "code": "401", "message": "invalid token"})
		drain(ctx, c)
	})
	_, err := newTestProvider(t, url).StartStream(context.Background(), stt.StreamConfig{})
	if !apierror.Is(err, apierror.KindAuthentication) {
		t.Fatalf("err = %v, want authentication", err)
	}
}

func TestProvider_SettingsFor(t *testing.T) {
	p := newTestProvider(t, "ws://unused")

	s, err := p.settingsFor(stt.StreamConfig{
		SampleRate:   8000,
		Language:     "de-DE",
		Vocabularies: []stt.Vocabulary{{ID: "ocid1.customization.x", Weight: 2}},
	})
	if err != nil {
		t.Fatalf("settingsFor: %v", err)
	}
	if s.Encoding != realtime.EncodingPCM8k || s.Language != "de-DE" {
		t.Fatalf("encoding = %q, language = %q", s.Encoding, s.Language)
	}
	if len(s.Customizations) != 1 || s.Customizations[0].CustomizationID != "ocid1.customization.x" {
		t.Fatalf("customizations = %+v", s.Customizations)
	}
	if len(p.settings.Customizations) != 0 {
		t.Fatal("per-stream vocabularies leaked into provider settings")
	}

	for name, cfg := range map[string]stt.StreamConfig{
		"stereo":   {Channels: 2},
		"44.1 kHz": {SampleRate: 44100},
	} {
		if _, err := p.settingsFor(cfg); !apierror.Is(err, apierror.KindValidation) {
			t.Errorf("%s: err = %v, want validation", name, err)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tokens := realtime.TokenIssuerFunc(func(context.Context, string) (string, error) { return "", nil })
	if _, err := New(realtime.Settings{}, tokens); !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("missing compartment: err = %v, want validation", err)
	}
	if _, err := New(realtime.Settings{CompartmentID: "c"}, nil); err == nil {
		t.Fatal("nil token issuer should fail")
	}
}
