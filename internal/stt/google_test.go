package stt

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const quotaLanguage = "xx-QUOTA"

// fakeSpeech answers like Cloud Speech-to-Text: one interim result per audio
// request and a final result once the client half-closes.
type fakeSpeech struct {
	speechpb.UnimplementedSpeechServer
}

func (fakeSpeech) Recognize(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	if req.GetConfig().GetSampleRateHertz() != 44100 {
		return nil, status.Errorf(codes.InvalidArgument, "unexpected sample rate %d", req.GetConfig().GetSampleRateHertz())
	}
	return &speechpb.RecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "turn on", Confidence: 0.9}}},
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "the lights ", Confidence: 0.7}}},
	}}, nil
}

func (fakeSpeech) StreamingRecognize(stream speechpb.Speech_StreamingRecognizeServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	cfg := first.GetStreamingConfig()
	if cfg == nil {
		return status.Error(codes.InvalidArgument, "first request must carry the streaming config")
	}
	if cfg.GetConfig().GetLanguageCode() == quotaLanguage {
		return status.Error(codes.ResourceExhausted, "quota exceeded")
	}
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.Send(result("hello world", true, 0.8))
		}
		if err != nil {
			return err
		}
		if len(req.GetAudioContent()) == 0 {
			continue
		}
		if err := stream.Send(result("hello", false, 0.3)); err != nil {
			return err
		}
	}
}

func result(text string, final bool, confidence float32) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{{
		IsFinal:      final,
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text, Confidence: confidence}},
	}}}
}

func newFakeSpeechClient(t *testing.T) *speech.Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	speechpb.RegisterSpeechServer(srv, &fakeSpeech{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial fake speech: %v", err)
	}
	client, err := speech.NewClient(context.Background(), option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("speech client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = conn.Close()
	})
	return client
}

func TestGoogleRecognizerStreamsWithInjectedClient(t *testing.T) {
	rec := NewGoogleRecognizerWithClient(newFakeSpeechClient(t))
	stream, err := rec.StartStream(context.Background(), Config{Language: "en-US", SampleRate: 16000, Channels: 1, InterimResults: true})
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	if err := stream.Send(make([]byte, 320)); err != nil {
		t.Fatalf("send: %v", err)
	}

	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv interim: %v", err)
	}
	if first != (transcript.Event{Text: "hello", Confidence: float64(float32(0.3))}) {
		t.Fatalf("unexpected interim event %+v", first)
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	var updates []transcript.Update
	_, err = transcript.Run(context.Background(), stream, transcript.SinkFunc(func(_ context.Context, u transcript.Update) error {
		updates = append(updates, u)
		return nil
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(updates) != 1 || updates[0].Text != "hello world " || !updates[0].Final {
		t.Fatalf("unexpected updates %+v", updates)
	}
	if updates[0].Confidence != float64(float32(0.8)) {
		t.Fatalf("expected final confidence, got %v", updates[0].Confidence)
	}
}

func TestGoogleRecognizerReportsBackendStatus(t *testing.T) {
	rec := NewGoogleRecognizerWithClient(newFakeSpeechClient(t))
	stream, err := rec.StartStream(context.Background(), Config{Language: quotaLanguage, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	_, err = stream.Recv()
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestGoogleRecognizerLeavesInjectedClientOpen(t *testing.T) {
	rec := NewGoogleRecognizerWithClient(newFakeSpeechClient(t))
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), make([]byte, 64), Config{Language: "en-US", SampleRate: 44100, Channels: 1})
	if err != nil {
		t.Fatalf("transcribe after close: %v", err)
	}
	if res.Text != "turn on the lights" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if want := (float64(float32(0.9)) + float64(float32(0.7))) / 2; res.Confidence != want {
		t.Fatalf("confidence = %v, want %v", res.Confidence, want)
	}
}
