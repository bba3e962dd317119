package stt

import (
	"context"
	"fmt"
	"strings"

	omnistt "github.com/agentplexus/omnivoice/stt"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Verify interface compliance at compile time.
var _ pipeline.Transcriber = (*Omnivoice)(nil)

// Omnivoice adapts an omnivoice streaming provider to the pipeline. Each
// utterance opens a stream, writes the audio as 16-bit PCM, closes the
// stream and joins the final transcripts it reports.
type Omnivoice struct {
	provider omnistt.StreamingProvider
	config   omnistt.TranscriptionConfig
}

// NewOmnivoice wraps provider. config is passed unchanged to every stream.
func NewOmnivoice(provider omnistt.StreamingProvider, config omnistt.TranscriptionConfig) *Omnivoice {
	return &Omnivoice{provider: provider, config: config}
}

// Transcribe streams one utterance and waits for its final transcripts.
func (p *Omnivoice) Transcribe(ctx context.Context, audio codec.AudioChunk) (*pipeline.Transcript, error) {
	w, events, err := p.provider.TranscribeStream(ctx, p.config)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcription stream: %w", err)
	}

	if _, err := w.Write(audio.Bytes()); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write audio: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close transcription stream: %w", err)
	}

	var parts []string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return &pipeline.Transcript{Text: strings.Join(parts, " ")}, nil
			}
			if ev.Type != omnistt.EventTranscript || !ev.IsFinal {
				continue
			}
			text := ev.Transcript
			if ev.Segment != nil && ev.Segment.Text != "" {
				text = ev.Segment.Text
			}
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
		}
	}
}
