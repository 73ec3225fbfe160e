package pipeline

import (
	"context"
	"log/slog"
)

// AudioSink receives finished carrier audio. Implemented by the media
// manager.
type AudioSink interface {
	SendChunked(data []byte)
}

// TranscriptSink receives committed conversational turns, for persistence
// and browser UI echo.
type TranscriptSink func(ctx context.Context, ev TranscriptEvent)

// OutputProcessor is the pipeline's terminal stage: audio goes to the paced
// output queue, transcript events go to the transcript sink.
type OutputProcessor struct {
	audio       AudioSink
	transcripts TranscriptSink
	logger      *slog.Logger
}

var _ Processor = (*OutputProcessor)(nil)

// NewOutputProcessor creates the sink stage. transcripts may be nil.
func NewOutputProcessor(audio AudioSink, transcripts TranscriptSink, logger *slog.Logger) *OutputProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputProcessor{audio: audio, transcripts: transcripts, logger: logger}
}

// Name implements Processor.
func (o *OutputProcessor) Name() string { return "output" }

// Process implements Processor.
func (o *OutputProcessor) Process(ctx context.Context, f Frame, _ Emit) error {
	switch fr := f.(type) {
	case AudioFrame:
		o.audio.SendChunked(fr.Data)
	case TranscriptEvent:
		if o.transcripts != nil {
			o.transcripts(ctx, fr)
		}
	default:
		o.logger.Debug("output: unexpected frame", "kind", f.Kind())
	}
	return nil
}

// Clear implements Processor. Pending audio lives in the media manager's
// queue, which the orchestrator clears directly on barge-in.
func (o *OutputProcessor) Clear() {}
