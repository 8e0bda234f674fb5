package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// Wire event discriminators.
const (
	eventAuthenticate    = "AUTHENTICATE"
	eventSendFinalResult = "SEND_FINAL_RESULT"
	eventConnect         = "CONNECT"
	eventResult          = "RESULT"
	eventAckAudio        = "ACKAUDIO"
	eventError           = "ERROR"
)

var errMalformedFrame = errors.New("realtime: malformed frame")

// ServerMessage is one decoded server frame: [ConnectMessage],
// [ResultMessage], [AckAudioMessage], [ErrorMessage] or [UnknownMessage].
type ServerMessage interface {
	Event() string
	serverMessage()
}

// ConnectMessage acknowledges authentication and assigns the session ID.
type ConnectMessage struct {
	SessionID string
}

// ResultMessage carries one or more transcription hypotheses.
type ResultMessage struct {
	Transcriptions []WireTranscription
}

// WireTranscription is a single hypothesis as sent by the server.
type WireTranscription struct {
	Text            string
	IsFinal         bool
	Start           time.Duration
	End             time.Duration
	Confidence      float64
	TrailingSilence time.Duration
	Tokens          []Token
}

// AckAudioMessage acknowledges received audio frames when acknowledgements
// are enabled.
type AckAudioMessage struct {
	FrameCount int64
}

// ErrorMessage is a server-reported error.
type ErrorMessage struct {
	Code    string
	Message string
}

// UnknownMessage is a well-formed frame with an unrecognised event.
type UnknownMessage struct {
	Name string
	Raw  json.RawMessage
}

func (ConnectMessage) Event() string   { return eventConnect }
func (ResultMessage) Event() string    { return eventResult }
func (AckAudioMessage) Event() string  { return eventAckAudio }
func (ErrorMessage) Event() string     { return eventError }
func (m UnknownMessage) Event() string { return m.Name }

func (ConnectMessage) serverMessage()  {}
func (ResultMessage) serverMessage()   {}
func (AckAudioMessage) serverMessage() {}
func (ErrorMessage) serverMessage()    {}
func (UnknownMessage) serverMessage()  {}

// DecodeServerMessage converts a text frame into its typed variant. Frames
// that are not JSON objects with an event field are malformed.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, errMalformedFrame
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errMalformedFrame
	}
	event := root.Get("event")
	if event.Type != gjson.String {
		return nil, errMalformedFrame
	}

	switch event.Str {
	case eventConnect:
		return ConnectMessage{SessionID: root.Get("sessionId").String()}, nil
	case eventResult:
		var msg ResultMessage
		for _, t := range root.Get("transcriptions").Array() {
			msg.Transcriptions = append(msg.Transcriptions, decodeTranscription(t))
		}
		return msg, nil
	case eventAckAudio:
		return AckAudioMessage{FrameCount: root.Get("audioDetails.frameCount").Int()}, nil
	case eventError:
		return ErrorMessage{
			Code:    root.Get("code").String(),
			Message: root.Get("message").String(),
		}, nil
	default:
		return UnknownMessage{Name: event.Str, Raw: json.RawMessage(data)}, nil
	}
}

func decodeTranscription(t gjson.Result) WireTranscription {
	w := WireTranscription{
		Text:            t.Get("transcription").String(),
		IsFinal:         t.Get("isFinal").Bool(),
		Start:           millis(t.Get("startTimeInMs")),
		End:             millis(t.Get("endTimeInMs")),
		Confidence:      t.Get("confidence").Float(),
		TrailingSilence: millis(t.Get("trailingSilence")),
	}
	for _, tok := range t.Get("tokens").Array() {
		w.Tokens = append(w.Tokens, Token{
			Token:      tok.Get("token").String(),
			Start:      millis(tok.Get("startTimeInMs")),
			End:        millis(tok.Get("endTimeInMs")),
			Confidence: tok.Get("confidence").Float(),
			Type:       tok.Get("type").String(),
		})
	}
	return w
}

func millis(r gjson.Result) time.Duration {
	return time.Duration(r.Float() * float64(time.Millisecond))
}

type modelDetails struct {
	Domain       string `json:"domain"`
	LanguageCode string `json:"languageCode"`
}

type authParameters struct {
	Encoding                    string `json:"encoding"`
	IsAckEnabled                bool   `json:"isAckEnabled"`
	PartialSilenceThresholdInMs int64  `json:"partialSilenceThresholdInMs,omitempty"`
	FinalSilenceThresholdInMs   int64  `json:"finalSilenceThresholdInMs,omitempty"`
	StabilizePartialResults     string `json:"stabilizePartialResults"`
	ModelType                   string `json:"modelType"`
	ModelDomain                 string `json:"modelDomain"`
	LanguageCode                string `json:"languageCode"`
	Punctuation                 string `json:"punctuation"`
}

type authenticateMessage struct {
	Event                string          `json:"event"`
	AuthenticationType   string          `json:"authenticationType"`
	Token                string          `json:"token"`
	RealtimeModelDetails modelDetails    `json:"realtimeModelDetails"`
	Customizations       []Customization `json:"customizations,omitempty"`
	Parameters           authParameters  `json:"parameters"`
}

func newAuthenticateMessage(token string, s Settings) authenticateMessage {
	return authenticateMessage{
		Event:              eventAuthenticate,
		AuthenticationType: "TOKEN",
		Token:              token,
		RealtimeModelDetails: modelDetails{
			Domain:       s.ModelDomain,
			LanguageCode: s.Language,
		},
		Customizations: s.Customizations,
		Parameters: authParameters{
			Encoding:                    s.Encoding,
			IsAckEnabled:                s.AckEnabled,
			PartialSilenceThresholdInMs: s.PartialSilenceThreshold.Milliseconds(),
			FinalSilenceThresholdInMs:   s.FinalSilenceThreshold.Milliseconds(),
			StabilizePartialResults:     s.PartialStability,
			ModelType:                   s.ModelType,
			ModelDomain:                 s.ModelDomain,
			LanguageCode:                s.Language,
			Punctuation:                 s.Punctuation,
		},
	}
}

type controlMessage struct {
	Event string `json:"event"`
}
