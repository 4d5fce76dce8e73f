// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// The stream-input socket is used in a request/response fashion: one text
// message, one flush, then audio chunks are collected until the server marks
// the final chunk. Output is requested as raw 16-bit PCM and wrapped in a WAV
// container.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
	"github.com/coder/websocket"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	backendName      = "elevenlabs"
	defaultBaseURL   = "wss://api.elevenlabs.io"
	streamPathFmt    = "/v1/text-to-speech/%s/stream-input"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_48000"

	// maxMessageBytes bounds a single audio message. Chunks are base64 JSON,
	// so one second of 48 kHz PCM is roughly 128 KiB on the wire.
	maxMessageBytes = 4 << 20
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format ("pcm_16000" … "pcm_48000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoiceMap maps catalog voice ids to ElevenLabs voice ids.
func WithVoiceMap(m map[int]string) Option {
	return func(p *Provider) {
		p.voiceMap = maps.Clone(m)
	}
}

// WithDefaultVoice sets the ElevenLabs voice used for unmapped catalog ids.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// WithBaseURL overrides the WebSocket origin (e.g. "ws://127.0.0.1:8080").
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	sampleRate   int
	baseURL      string
	voiceMap     map[int]string
	defaultVoice string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// pcmRate extracts the sample rate from a "pcm_<rate>" output format.
func pcmRate(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid output format %q", format)
	}
	return n, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	voiceID := p.voiceFor(voice)
	if voiceID == "" {
		return nil, fmt.Errorf("elevenlabs: no ElevenLabs voice mapped for %s", voice)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	endpoint := buildStreamURL(p.baseURL, voiceID, p.model, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, &tts.NetworkError{Backend: backendName, Endpoint: endpoint, Err: err}
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	msgs := []textMessage{
		// ElevenLabs requires a single space as the first text value.
		{Text: " ", XiAPIKey: p.apiKey, VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}},
		{Text: text + " ", Flush: true},
		// Empty text closes the input stream.
		{Text: ""},
	}
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: marshal message: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return nil, &tts.NetworkError{Backend: backendName, Endpoint: endpoint, Err: fmt.Errorf("write: %w", err)}
		}
	}

	pcm, err := readAudio(ctx, conn)
	if err != nil {
		return nil, &tts.NetworkError{Backend: backendName, Endpoint: endpoint, Err: err}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if len(pcm) == 0 {
		return nil, errors.New("elevenlabs: no audio received")
	}
	wav, err := audio.EncodeWAV(pcm[:len(pcm)&^1], audio.Format{SampleRate: p.sampleRate, Channels: 1})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	return wav, nil
}

// readAudio collects decoded PCM until the final chunk or a normal close.
func readAudio(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var pcm bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return pcm.Bytes(), nil
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("server error: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("decode audio chunk: %w", err)
			}
			pcm.Write(chunk)
		}
		if resp.IsFinal {
			return pcm.Bytes(), nil
		}
	}
}

func (p *Provider) voiceFor(voice tts.Voice) string {
	if id, ok := p.voiceMap[voice.ID]; ok {
		return id
	}
	return p.defaultVoice
}

// buildStreamURL constructs the WebSocket URL for a given voice and model.
func buildStreamURL(base, voiceID, model, outputFormat string) string {
	q := url.Values{}
	q.Set("model_id", model)
	q.Set("output_format", outputFormat)
	return base + fmt.Sprintf(streamPathFmt, url.PathEscape(voiceID)) + "?" + q.Encode()
}
