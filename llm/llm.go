// Package llm defines the minimal chat-completion contract the intake flow
// depends on. Providers implement Client; the engine never talks to a vendor
// SDK directly.
package llm

import (
	"context"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type Result struct {
	Text     string
	Usage    Usage
	Duration time.Duration
}

type Request struct {
	Model     string
	Messages  []Message
	ForceJSON bool
	MaxTokens int
}

type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}

// Generate is the short-form convenience used for conversational replies.
func Generate(ctx context.Context, c Client, model, prompt string) (string, error) {
	res, err := c.Chat(ctx, Request{
		Model:    model,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}

// GenerateJSON requests a structured response; the provider enforces JSON
// output where the backend supports it.
func GenerateJSON(ctx context.Context, c Client, model, prompt string) (string, error) {
	res, err := c.Chat(ctx, Request{
		Model:     model,
		Messages:  []Message{{Role: RoleUser, Content: prompt}},
		ForceJSON: true,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}
