package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const defaultTranscriptionModel = "whisper-1"

// Transcriber runs audio through the transcriptions endpoint. It satisfies
// the ingest pipeline's transcription contract.
type Transcriber struct {
	Client *Client
	Model  string
}

func NewTranscriber(client *Client, model string) *Transcriber {
	if strings.TrimSpace(model) == "" {
		model = defaultTranscriptionModel
	}
	return &Transcriber{Client: client, Model: model}
}

type transcriptionResponse struct {
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (t *Transcriber) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if t == nil || t.Client == nil {
		return "", fmt.Errorf("openai transcriber is not configured")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("model", t.Model); err != nil {
		return "", fmt.Errorf("build transcription form: %w", err)
	}
	part, err := form.CreateFormFile("file", audioFilename(mimeType))
	if err != nil {
		return "", fmt.Errorf("build transcription form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build transcription form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build transcription form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Client.BaseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if strings.TrimSpace(t.Client.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+t.Client.APIKey)
	}

	resp, err := t.Client.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	var parsed transcriptionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode transcription response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("transcription api error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription api status %d", resp.StatusCode)
	}
	return strings.TrimSpace(parsed.Text), nil
}

func audioFilename(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"):
		return "audio.ogg"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return "audio.m4a"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return "audio.mp3"
	case strings.Contains(mimeType, "wav"):
		return "audio.wav"
	default:
		return "audio.bin"
	}
}
