// Package azure provides an Azure Speech-backed TTS provider using the
// cognitive services REST API. It implements the tts.Provider interface.
//
// Azure renders carrier formats natively (raw 8 kHz G.711 and raw 16 kHz PCM
// selected via the X-Microsoft-OutputFormat header), so synthesized audio
// needs no transcoding before hitting the wire.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

const (
	synthesizeEndpointFmt = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"
	voicesEndpointFmt     = "https://%s.tts.speech.microsoft.com/cognitiveservices/voices/list"

	userAgent = "trunkline"

	defaultTimeout = 15 * time.Second
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Azure Provider.
type Option func(*Provider)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// WithEndpoints overrides the synthesis and voice-list URLs. Intended for
// sovereign-cloud regions and tests.
func WithEndpoints(synthesizeURL, voicesURL string) Option {
	return func(p *Provider) {
		p.synthesizeURL = synthesizeURL
		p.voicesURL = voicesURL
	}
}

// Provider implements tts.Provider backed by the Azure Speech REST API.
type Provider struct {
	apiKey        string
	region        string
	synthesizeURL string
	voicesURL     string
	httpClient    *http.Client
}

// New creates a new Azure Provider for the given subscription key and region
// (e.g., "eastus"). Both must be non-empty.
func New(apiKey, region string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("azure: apiKey must not be empty")
	}
	if region == "" {
		return nil, errors.New("azure: region must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		region:        region,
		synthesizeURL: fmt.Sprintf(synthesizeEndpointFmt, region),
		voicesURL:     fmt.Sprintf(voicesEndpointFmt, region),
		httpClient:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// outputFormatHeader maps a tts.OutputFormat to the Azure X-Microsoft-OutputFormat value.
func outputFormatHeader(format tts.OutputFormat) (string, error) {
	switch format {
	case tts.FormatUlaw8k:
		return "raw-8khz-8bit-mono-mulaw", nil
	case tts.FormatAlaw8k:
		return "raw-8khz-8bit-mono-alaw", nil
	case tts.FormatPCM16k:
		return "raw-16khz-16bit-mono-pcm", nil
	default:
		return "", fmt.Errorf("unsupported output format %q", format)
	}
}

// Synthesize implements tts.Provider. It POSTs the SSML document to the
// cognitive services endpoint and returns the raw audio body.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if req.SSML == "" {
		return nil, errors.New("azure: SSML must not be empty")
	}
	formatHeader, err := outputFormatHeader(req.Format)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.synthesizeURL,
		bytes.NewReader([]byte(req.SSML)))
	if err != nil {
		return nil, fmt.Errorf("azure: build request: %w", err)
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("X-Microsoft-OutputFormat", formatHeader)
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("azure: synthesize: unexpected status %d: %s", resp.StatusCode, body)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure: read audio body: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("azure: synthesize returned no audio")
	}
	return audio, nil
}

// azureVoice is one entry from the voices/list endpoint.
type azureVoice struct {
	Name      string   `json:"Name"`
	ShortName string   `json:"ShortName"`
	LocalName string   `json:"LocalName"`
	Gender    string   `json:"Gender"`
	Locale    string   `json:"Locale"`
	StyleList []string `json:"StyleList"`
}

// ListVoices implements tts.Provider. Each catalogue entry is returned as a
// VoiceConfig carrying the voice's ShortName with neutral prosody defaults;
// callers override rate, pitch, and style per agent.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceConfig, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: build voices request: %w", err)
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azure: list voices: unexpected status %d", resp.StatusCode)
	}

	var voices []azureVoice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("azure: decode voices: %w", err)
	}

	configs := make([]types.VoiceConfig, 0, len(voices))
	for _, v := range voices {
		configs = append(configs, types.VoiceConfig{
			Name:        v.ShortName,
			Rate:        1.0,
			Volume:      100,
			StyleDegree: 1.0,
		})
	}
	return configs, nil
}
