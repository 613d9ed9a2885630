package stt

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// googleRecognizer sends each buffer to Cloud Speech-to-Text as a
// synchronous request. Credentials come from GOOGLE_APPLICATION_CREDENTIALS.
type googleRecognizer struct {
	client   *speech.Client
	language string
}

func NewGoogleRecognizer(ctx context.Context, cfg config.STTConfig) (Recognizer, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = "en-US"
	}
	return &googleRecognizer{client: c, language: lang}, nil
}

func (g *googleRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(sampleRate),
			AudioChannelCount:          int32(channels),
			LanguageCode:               g.language,
			EnableAutomaticPunctuation: true,
			DiarizationConfig: &speechpb.SpeakerDiarizationConfig{
				EnableSpeakerDiarization: final,
			},
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("google recognize: %w", err)
	}
	return resultFromResponse(resp), nil
}

func (g *googleRecognizer) Close() error {
	return g.client.Close()
}

func resultFromResponse(resp *speechpb.RecognizeResponse) TranscriptResult {
	var parts []string
	var out TranscriptResult
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		alt := alts[0]
		if t := strings.TrimSpace(alt.GetTranscript()); t != "" {
			parts = append(parts, t)
		}
		out.Confidence = float64(alt.GetConfidence())
		if words := alt.GetWords(); len(words) > 0 {
			if tag := int(words[len(words)-1].GetSpeakerTag()); tag > 0 {
				out.SpeakerTag = &tag
			}
		}
	}
	out.Text = strings.Join(parts, " ")
	return out
}
