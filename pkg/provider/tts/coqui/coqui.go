// Package coqui provides a local Coqui TTS-backed TTS provider that connects to
// either a Coqui XTTS v2 server or a standard Coqui TTS server via its REST API.
// It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body.
//
// Coqui models render at their native rate (commonly 22050 Hz). The provider
// resamples the response to the configured output rate and re-encodes it as
// 16-bit WAV so that the result is playable without further conversion.
//
// Catalog voice ids are numeric while Coqui speakers are named; the mapping is
// supplied with [WithSpeakers].
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("ja"),
//	    coqui.WithSpeakers(map[int]string{888753760: "p225"}),
//	)
//	wav, err := p.Synthesize(ctx, "こんにちは", voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	backendName       = "coqui"
	ttsEndpoint       = "/tts_to_audio/"
	apiTTSEndpoint    = "/api/tts"
	defaultOutputRate = audio.SampleRate
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	// A speaker is always required in this mode.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "ja",
// "en"). Empty omits the parameter, which single-language models require.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for the
// standard Coqui TTS Docker image or APIModeXTTS for the XTTS v2 API server.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithSpeakers maps catalog voice ids to Coqui speaker names.
func WithSpeakers(speakers map[int]string) Option {
	return func(p *Provider) {
		p.speakers = maps.Clone(speakers)
	}
}

// WithDefaultSpeaker sets the speaker used for voices missing from the
// speaker map.
func WithDefaultSpeaker(name string) Option {
	return func(p *Provider) {
		p.defaultSpeaker = name
	}
}

// WithOutputSampleRate sets the sample rate of the returned WAV. Defaults to
// 48000 Hz.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a locally-running Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL      string
	language       string
	httpClient     *http.Client
	apiMode        APIMode
	speakers       map[int]string
	defaultSpeaker string
	outputRate     int
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		apiMode:    APIModeStandard,
		httpClient: &http.Client{},
		outputRate: defaultOutputRate,
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeStandard && p.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.apiMode)
	}
	if p.outputRate <= 0 {
		return nil, fmt.Errorf("coqui: invalid output sample rate %d", p.outputRate)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	speaker := p.speakerFor(voice)
	if speaker == "" && p.apiMode == APIModeXTTS {
		return nil, fmt.Errorf("coqui: no speaker mapped for voice %s (required for XTTS mode)", voice)
	}

	var (
		wav []byte
		err error
	)
	if p.apiMode == APIModeXTTS {
		wav, err = p.synthesizeXTTS(ctx, text, speaker)
	} else {
		wav, err = p.synthesizeStandard(ctx, text, speaker)
	}
	if err != nil {
		return nil, err
	}
	return p.toOutputFormat(wav)
}

func (p *Provider) speakerFor(voice tts.Voice) string {
	if name, ok := p.speakers[voice.ID]; ok {
		return name
	}
	return p.defaultSpeaker
}

// synthesizeStandard performs a single GET /api/tts request.
func (p *Provider) synthesizeStandard(ctx context.Context, text, speaker string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", text)
	if speaker != "" {
		params.Set("speaker_id", speaker)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	reqURL := p.serverURL + apiTTSEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	return p.do(req, apiTTSEndpoint)
}

// synthesizeXTTS performs a single POST /tts_to_audio/ request.
func (p *Provider) synthesizeXTTS(ctx context.Context, text, speaker string) ([]byte, error) {
	body, err := json.Marshal(ttsRequest{Text: text, SpeakerWav: speaker, Language: p.language})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	return p.do(req, ttsEndpoint)
}

func (p *Provider) do(req *http.Request, endpoint string) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &tts.NetworkError{Backend: backendName, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, tts.StatusError(backendName, endpoint, resp)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tts.NetworkError{Backend: backendName, Endpoint: endpoint, Err: fmt.Errorf("read WAV response: %w", err)}
	}
	return wav, nil
}

// toOutputFormat resamples the model's WAV to the output rate, keeping its
// channel count.
func (p *Provider) toOutputFormat(wav []byte) ([]byte, error) {
	info, pcm, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if info.SampleRate == p.outputRate {
		return wav, nil
	}
	from := info.Format()
	to := audio.Format{SampleRate: p.outputRate, Channels: from.Channels}
	out, err := audio.EncodeWAV(audio.ConvertPCM(pcm, from, to), to)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return out, nil
}
