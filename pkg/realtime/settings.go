package realtime

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/pkg/apierror"
)

// Supported audio encodings.
const (
	EncodingPCM16k = "audio/raw;rate=16000"
	EncodingPCM8k  = "audio/raw;rate=8000"
	EncodingMulaw  = "audio/raw;rate=8000;codec=mulaw"
	EncodingAlaw   = "audio/raw;rate=8000;codec=alaw"
)

// Defaults applied by [Settings.WithDefaults].
const (
	DefaultEncoding             = EncodingPCM16k
	DefaultLanguage             = "en-US"
	DefaultModelDomain          = "GENERIC"
	DefaultModelType            = "ORACLE"
	DefaultPartialStability     = "MEDIUM"
	DefaultPunctuation          = "AUTO"
	DefaultConnectTimeout       = 30 * time.Second
	DefaultAuthTimeout          = 10 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultCloseGrace           = 100 * time.Millisecond
	DefaultFinalResultGrace     = 500 * time.Millisecond
)

var (
	encodings   = []string{EncodingPCM16k, EncodingPCM8k, EncodingMulaw, EncodingAlaw}
	domains     = []string{"GENERIC", "MEDICAL"}
	modelTypes  = []string{"ORACLE", "WHISPER"}
	stabilities = []string{"NONE", "LOW", "MEDIUM", "HIGH"}
	punctuation = []string{"NONE", "SPOKEN", "AUTO"}
)

// Customization references a custom vocabulary.
type Customization struct {
	CustomizationID string  `json:"customizationId"`
	Weight          float64 `json:"weight,omitempty"`
}

// Settings configures a realtime transcription connection.
type Settings struct {
	// Region selects the regional endpoint. Default: us-ashburn-1.
	Region string

	// CompartmentID is the OCID sessions are billed to. Required.
	CompartmentID string

	// Endpoint overrides the WebSocket URL derived from Region.
	Endpoint string

	Encoding         string
	Language         string
	ModelDomain      string
	ModelType        string
	PartialStability string
	Punctuation      string

	// PartialSilenceThreshold and FinalSilenceThreshold are sent only when
	// positive. Oracle models only.
	PartialSilenceThreshold time.Duration
	FinalSilenceThreshold   time.Duration

	// AckEnabled asks the server to acknowledge audio frames.
	AckEnabled bool

	Customizations []Customization

	// ConnectTimeout bounds the WebSocket handshake.
	ConnectTimeout time.Duration

	// AuthTimeout bounds the wait for the CONNECT acknowledgement.
	AuthTimeout time.Duration

	// DisableReconnect turns off automatic reconnection after an abnormal
	// close.
	DisableReconnect bool

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// CloseGrace is how long Close waits after requesting a final result
	// before closing the socket.
	CloseGrace time.Duration

	// FinalResultGrace is how long a session waits for an in-flight final
	// transcript when closing.
	FinalResultGrace time.Duration
}

// WithDefaults returns s with zero fields replaced by defaults.
func (s Settings) WithDefaults() Settings {
	setString(&s.Encoding, DefaultEncoding)
	setString(&s.Language, DefaultLanguage)
	setString(&s.ModelDomain, DefaultModelDomain)
	setString(&s.ModelType, DefaultModelType)
	setString(&s.PartialStability, DefaultPartialStability)
	setString(&s.Punctuation, DefaultPunctuation)
	setDuration(&s.ConnectTimeout, DefaultConnectTimeout)
	setDuration(&s.AuthTimeout, DefaultAuthTimeout)
	setDuration(&s.ReconnectBaseDelay, DefaultReconnectBaseDelay)
	setDuration(&s.ReconnectMaxDelay, DefaultReconnectMaxDelay)
	setDuration(&s.CloseGrace, DefaultCloseGrace)
	setDuration(&s.FinalResultGrace, DefaultFinalResultGrace)
	if s.MaxReconnectAttempts <= 0 {
		s.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return s
}

// Validate reports every invalid field. It expects defaults to have been
// applied.
func (s Settings) Validate() error {
	const op = "realtime.settings"
	var errs []error
	if s.CompartmentID == "" {
		errs = append(errs, apierror.Validation(op, "compartment ID is required"))
	}
	errs = append(errs,
		oneOf(op, "encoding", s.Encoding, encodings),
		oneOf(op, "model domain", s.ModelDomain, domains),
		oneOf(op, "model type", s.ModelType, modelTypes),
		oneOf(op, "partial stability", s.PartialStability, stabilities),
		oneOf(op, "punctuation", s.Punctuation, punctuation),
	)
	if s.Language == "" {
		errs = append(errs, apierror.Validation(op, "language is required"))
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		errs = append(errs, apierror.Validation(op, "reconnect max delay %v is below base delay %v", s.ReconnectMaxDelay, s.ReconnectBaseDelay))
	}
	return errors.Join(errs...)
}

// URL returns the WebSocket URL to dial.
func (s Settings) URL() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	return ocihttp.RealtimeEndpoint(s.Region)
}

// BytesPerSecond returns the audio byte rate of the configured encoding.
func (s Settings) BytesPerSecond() int {
	switch s.Encoding {
	case EncodingPCM8k:
		return 16000
	case EncodingMulaw, EncodingAlaw:
		return 8000
	default:
		return 32000
	}
}

func oneOf(op, field, v string, allowed []string) error {
	if slices.Contains(allowed, v) {
		return nil
	}
	return apierror.Validation(op, "unsupported %s %q (want one of %v)", field, v, allowed)
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setDuration(p *time.Duration, def time.Duration) {
	if *p <= 0 {
		*p = def
	}
}

// String summarises the connection target for logs.
func (s Settings) String() string {
	return fmt.Sprintf("%s (%s, %s)", s.URL(), s.Language, s.Encoding)
}
