package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"google.golang.org/api/option"
	"google.golang.org/grpc/status"
)

// GoogleRecognizer uses Cloud Speech-to-Text v1.
type GoogleRecognizer struct {
	client *speech.Client
	owned  bool
}

// NewGoogleRecognizer dials Cloud Speech-to-Text. Credentials come from
// cfg.CredentialsFile when set, otherwise from Application Default
// Credentials.
func NewGoogleRecognizer(ctx context.Context, cfg config.RecognizerConfig, logger *slog.Logger) (*GoogleRecognizer, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	logger.Info("google speech client ready",
		slog.Bool("credentials_file", cfg.CredentialsFile != ""),
		slog.String("endpoint", cfg.Endpoint))
	return &GoogleRecognizer{client: client, owned: true}, nil
}

// NewGoogleRecognizerWithClient wraps an already authenticated client. The
// caller keeps ownership of client.
func NewGoogleRecognizerWithClient(client *speech.Client) *GoogleRecognizer {
	return &GoogleRecognizer{client: client}
}

func (g *GoogleRecognizer) StartStream(ctx context.Context, cfg Config) (Stream, error) {
	rc, err := recognitionConfig(cfg)
	if err != nil {
		return nil, err
	}
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("open streaming recognize: %w", err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: cfg.InterimResults,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("send streaming config: %w", err)
	}
	return &googleStream{stream: stream}, nil
}

func (g *GoogleRecognizer) Transcribe(ctx context.Context, pcm []byte, cfg Config) (Result, error) {
	rc, err := recognitionConfig(cfg)
	if err != nil {
		return Result{}, err
	}
	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: rc,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("recognize: %w", err)
	}
	return resultFromResponse(resp), nil
}

func (g *GoogleRecognizer) Close() error {
	if !g.owned {
		return nil
	}
	return g.client.Close()
}

type googleStream struct {
	stream speechpb.Speech_StreamingRecognizeClient
}

func (s *googleStream) Send(chunk []byte) error {
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
}

func (s *googleStream) CloseSend() error {
	return s.stream.CloseSend()
}

func (s *googleStream) Recv() (transcript.Event, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return transcript.Event{}, io.EOF
	}
	if err != nil {
		return transcript.Event{}, err
	}
	if resp.GetError() != nil {
		return transcript.Event{}, status.ErrorProto(resp.GetError())
	}
	return eventFromResponse(resp), nil
}

// eventFromResponse reads the first alternative of the first result. A
// response without results or alternatives becomes an empty event.
func eventFromResponse(resp *speechpb.StreamingRecognizeResponse) transcript.Event {
	results := resp.GetResults()
	if len(results) == 0 {
		return transcript.Event{}
	}
	result := results[0]
	alts := result.GetAlternatives()
	if len(alts) == 0 {
		return transcript.Event{Final: result.GetIsFinal()}
	}
	return transcript.Event{
		Text:       alts[0].GetTranscript(),
		Final:      result.GetIsFinal(),
		Confidence: float64(alts[0].GetConfidence()),
	}
}

func resultFromResponse(resp *speechpb.RecognizeResponse) Result {
	var parts []string
	var confidence float64
	var scored int
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, alts[0].GetTranscript())
		if c := alts[0].GetConfidence(); c > 0 {
			confidence += float64(c)
			scored++
		}
	}
	if scored > 0 {
		confidence /= float64(scored)
	}
	return Result{Text: strings.TrimSpace(strings.Join(parts, " ")), Confidence: confidence}
}

func recognitionConfig(cfg Config) (*speechpb.RecognitionConfig, error) {
	if err := cfg.Format().Validate(); err != nil {
		return nil, err
	}
	encoding, err := encodingFor(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	return &speechpb.RecognitionConfig{
		Encoding:          encoding,
		SampleRateHertz:   int32(cfg.SampleRate),
		AudioChannelCount: int32(cfg.Channels),
		LanguageCode:      cfg.Language,
	}, nil
}

func encodingFor(name string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	if name == "" {
		return speechpb.RecognitionConfig_LINEAR16, nil
	}
	value, ok := speechpb.RecognitionConfig_AudioEncoding_value[strings.ToUpper(name)]
	if !ok {
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unknown audio encoding %q", name)
	}
	return speechpb.RecognitionConfig_AudioEncoding(value), nil
}
