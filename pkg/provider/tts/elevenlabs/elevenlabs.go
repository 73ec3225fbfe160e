// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// text-to-speech REST API. It implements the tts.Provider interface.
//
// ElevenLabs takes plain text and a voice ID rather than SSML, so the provider
// unwraps the document: the voice element's name attribute selects the voice
// and the character data becomes the input text. Prosody controls in the
// document are ignored. Carrier formats are rendered natively via the
// output_format query parameter, so no transcoding is needed.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"

	defaultTimeout = 15 * time.Second
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat overrides the format mapping for every request, regardless
// of the requested tts.OutputFormat.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the API base URL. Intended for tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// Provider implements tts.Provider backed by the ElevenLabs REST API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// outputFormatParam maps a tts.OutputFormat to the output_format query value.
func outputFormatParam(format tts.OutputFormat) (string, error) {
	switch format {
	case tts.FormatUlaw8k:
		return "ulaw_8000", nil
	case tts.FormatAlaw8k:
		return "alaw_8000", nil
	case tts.FormatPCM16k:
		return "pcm_16000", nil
	default:
		return "", fmt.Errorf("unsupported output format %q", format)
	}
}

// synthesizeRequest is the JSON body of a text-to-speech call.
type synthesizeRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize implements tts.Provider. The SSML document is unwrapped into a
// voice ID and plain text before the POST.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if req.SSML == "" {
		return nil, errors.New("elevenlabs: SSML must not be empty")
	}
	voiceID, text, err := unwrapSSML(req.SSML)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}

	format := p.outputFormat
	if format == "" {
		format, err = outputFormatParam(req.Format)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: %w", err)
		}
	}

	body, err := json.Marshal(synthesizeRequest{Text: text, ModelID: p.model})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", p.baseURL, voiceID, format)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs: synthesize: unexpected status %d: %s", resp.StatusCode, detail)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio body: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: synthesize returned no audio")
	}
	return audio, nil
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

// ListVoices implements tts.Provider. Each catalogue entry carries the voice
// ID as its name, since that is what the synthesis URL takes.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceConfig, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build voices request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}

	configs := make([]types.VoiceConfig, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		configs = append(configs, types.VoiceConfig{
			Name:        v.VoiceID,
			Rate:        1.0,
			Volume:      100,
			StyleDegree: 1.0,
		})
	}
	return configs, nil
}

// unwrapSSML extracts the voice name attribute and the concatenated character
// data from an SSML document.
func unwrapSSML(doc string) (voice, text string, err error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("parse ssml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "voice" {
				for _, attr := range t.Attr {
					if attr.Name.Local == "name" {
						voice = attr.Value
					}
				}
			}
		case xml.CharData:
			sb.Write(t)
		}
	}
	text = strings.TrimSpace(sb.String())
	if voice == "" {
		return "", "", errors.New("ssml has no voice element")
	}
	if text == "" {
		return "", "", errors.New("ssml has no text content")
	}
	return voice, text, nil
}
