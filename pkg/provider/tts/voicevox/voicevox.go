// Package voicevox provides a TTS provider for VOICEVOX-compatible engines
// (VOICEVOX, AivisSpeech, COEIROINK v1 API). It implements the tts.Provider
// interface.
//
// Synthesis is a two-step protocol:
//
//  1. POST /audio_query?text=…&speaker=… returns an audio query document
//     describing pitch, timing and output parameters.
//  2. POST /synthesis?speaker=… with the (possibly edited) document as the
//     JSON body returns the rendered WAV.
//
// The provider rewrites outputSamplingRate and outputStereo in the document
// between the two steps so the engine renders transport-ready audio directly.
// Both steps share the caller's context and therefore one deadline.
//
// Typical usage:
//
//	p, err := voicevox.New("http://localhost:10101",
//	    voicevox.WithOutputStereo(false),
//	)
//	wav, err := p.Synthesize(ctx, "こんにちは", tts.Voice{ID: 888753760})
package voicevox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	backendName = "voicevox"

	audioQueryEndpoint = "/audio_query"
	synthesisEndpoint  = "/synthesis"

	defaultSamplingRate = 48000
)

// ---- options ----

// Option is a functional option for configuring a VOICEVOX Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client. Timeouts are normally
// carried by the request context instead.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithOutputSamplingRate sets the outputSamplingRate written into the audio
// query. Defaults to 48000. Zero keeps the engine's own value.
func WithOutputSamplingRate(rate int) Option {
	return func(p *Provider) {
		p.samplingRate = rate
	}
}

// WithOutputStereo sets outputStereo in the audio query. Mono output is
// upmixed during framing, so false halves the transfer size at no cost.
func WithOutputStereo(stereo bool) Option {
	return func(p *Provider) {
		p.stereo = stereo
	}
}

// WithInterrogativeUpspeak toggles enable_interrogative_upspeak, which raises
// the pitch at the end of questions. Enabled by default.
func WithInterrogativeUpspeak(enabled bool) Option {
	return func(p *Provider) {
		p.upspeak = enabled
	}
}

// ---- Provider ----

// Provider implements tts.Provider for one VOICEVOX-compatible engine.
// It is safe for concurrent use.
type Provider struct {
	baseURL      string
	httpClient   *http.Client
	samplingRate int
	stereo       bool
	upspeak      bool
}

// New creates a Provider for the engine at baseURL (e.g.
// "http://localhost:10101"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("voicevox: baseURL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("voicevox: parse baseURL: %w", err)
	}
	p := &Provider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{},
		samplingRate: defaultSamplingRate,
		upspeak:      true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("voicevox: text must not be empty")
	}

	query, err := p.audioQuery(ctx, text, voice.ID)
	if err != nil {
		return nil, err
	}
	if p.samplingRate > 0 {
		query["outputSamplingRate"] = p.samplingRate
	}
	query["outputStereo"] = p.stereo

	return p.synthesis(ctx, query, voice.ID)
}

// audioQuery performs step 1 and returns the query document. The document is
// kept as a generic map so that engine-specific fields survive the round trip.
func (p *Provider) audioQuery(ctx context.Context, text string, speaker int) (map[string]any, error) {
	params := p.params(speaker)
	params.Set("text", text)

	body, err := p.post(ctx, audioQueryEndpoint, params, nil)
	if err != nil {
		return nil, err
	}

	var query map[string]any
	if err := json.Unmarshal(body, &query); err != nil {
		return nil, fmt.Errorf("voicevox: decode audio query: %w", err)
	}
	if query == nil {
		return nil, errors.New("voicevox: audio query response is not an object")
	}
	return query, nil
}

// synthesis performs step 2 and returns the WAV bytes.
func (p *Provider) synthesis(ctx context.Context, query map[string]any, speaker int) ([]byte, error) {
	doc, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("voicevox: encode audio query: %w", err)
	}
	wav, err := p.post(ctx, synthesisEndpoint, p.params(speaker), doc)
	if err != nil {
		return nil, err
	}
	if len(wav) == 0 {
		return nil, errors.New("voicevox: synthesis returned an empty body")
	}
	return wav, nil
}

func (p *Provider) params(speaker int) url.Values {
	params := url.Values{}
	params.Set("speaker", strconv.Itoa(speaker))
	params.Set("enable_interrogative_upspeak", strconv.FormatBool(p.upspeak))
	return params
}

// post issues a POST to endpoint with the given query parameters and optional
// JSON body and returns the full response body.
func (p *Provider) post(ctx context.Context, endpoint string, params url.Values, jsonBody []byte) ([]byte, error) {
	reqURL := p.baseURL + endpoint + "?" + params.Encode()

	var body io.Reader
	if jsonBody != nil {
		body = bytes.NewReader(jsonBody)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("voicevox: create %s request: %w", endpoint, err)
	}
	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &tts.NetworkError{Backend: backendName, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, tts.StatusError(backendName, endpoint, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tts.NetworkError{Backend: backendName, Endpoint: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}
	return data, nil
}
