package tts

import (
	"fmt"
	"strings"
)

const (
	ssmlNamespace      = "http://www.w3.org/2001/10/synthesis"
	ssmlMSTTSNamespace = "http://www.w3.org/2001/mstts"
)

// SSMLBuilder renders complete SSML documents with prosody and expressive
// style controls. The dialect is the one Azure Speech accepts; other backends
// ignore the mstts extension elements.
type SSMLBuilder struct {
	language string
}

// NewSSMLBuilder creates a builder for the given language code (e.g., "es-MX").
func NewSSMLBuilder(language string) *SSMLBuilder {
	return &SSMLBuilder{language: language}
}

// Build renders text into a full SSML document using the voice settings.
//
// Rate is emitted as a multiplier, pitch as a signed Hz offset ("default"
// when zero), and volume as an absolute level. When style is non-empty the
// prosody element is wrapped in mstts:express-as with the style degree.
// Text content is XML-escaped.
func (b *SSMLBuilder) Build(text, voiceName string, rate, pitch, volume float64, style string, styleDegree float64) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, `<speak version="1.0" xmlns=%q xmlns:mstts=%q xml:lang=%q>`,
		ssmlNamespace, ssmlMSTTSNamespace, b.language)
	fmt.Fprintf(&sb, `<voice name=%q>`, voiceName)

	styled := style != "" && strings.ToLower(style) != "default"
	if styled {
		fmt.Fprintf(&sb, `<mstts:express-as style=%q styledegree="%.2f">`, style, styleDegree)
	}

	pitchAttr := "default"
	if pitch != 0 {
		pitchAttr = fmt.Sprintf("%+.0fHz", pitch)
	}
	fmt.Fprintf(&sb, `<prosody rate="%.2f" pitch=%q volume="%.0f">`, rate, pitchAttr, volume)

	sb.WriteString(EscapeXML(text))

	sb.WriteString(`</prosody>`)
	if styled {
		sb.WriteString(`</mstts:express-as>`)
	}
	sb.WriteString(`</voice></speak>`)

	return sb.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeXML escapes the five XML special characters so user and LLM text
// cannot break the SSML document.
func EscapeXML(text string) string {
	return xmlEscaper.Replace(text)
}
