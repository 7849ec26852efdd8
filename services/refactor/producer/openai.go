// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package producer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	openai "github.com/sashabaranov/go-openai"

	"github.com/reviselabs/revise/services/refactor/patch"
	"github.com/reviselabs/revise/services/refactor/suggestion"
)

const systemPrompt = `You are a refactoring assistant. Given a source file, propose one
improvement as a unified diff against the exact content you were shown.
Reply with only the diff, no prose and no code fences.`

// =============================================================================
// OpenAI Producer
// =============================================================================

// OpenAI produces suggestions by asking a chat model for a unified
// diff. The API key is kept in a memguard enclave and only
// materialized for the lifetime of the client construction.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI reads the API key from OPENAI_API_KEY or the conventional
// secrets path and seals it immediately.
func NewOpenAI(model string, logger *slog.Logger) (*OpenAI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		data, err := os.ReadFile("/run/secrets/openai_api_key")
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and no secret file found")
		}
		key = strings.TrimSpace(string(data))
		logger.Info("read OpenAI API key from secrets file")
	}
	if model == "" {
		model = openai.GPT4oMini
		logger.Warn("no model configured, defaulting", "model", model)
	}

	// Seal the key; the enclave zeroes the plaintext copy.
	enclave := memguard.NewEnclave([]byte(key))
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	return &OpenAI{
		client: openai.NewClient(buf.String()),
		model:  model,
		logger: logger,
	}, nil
}

// Produce asks the model for one diff and returns it as a pending
// suggestion. Code-fenced replies are unwrapped; replies that are not
// parseable diffs are rejected here rather than at execution time.
func (o *OpenAI) Produce(ctx context.Context, req Request) ([]*suggestion.Suggestion, error) {
	prompt := fmt.Sprintf("File: %s\nStrategy: %s\n%s\n\n%s",
		req.FilePath, req.Strategy, req.Instructions, string(req.Content))

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	diffText := stripFences(resp.Choices[0].Message.Content)
	if _, err := patch.Parse(diffText); err != nil {
		return nil, fmt.Errorf("model reply is not a valid diff: %w", err)
	}

	o.logger.Debug("produced suggestion",
		"file", req.FilePath,
		"model", o.model,
		"diff_bytes", len(diffText))

	return []*suggestion.Suggestion{{
		FilePath:    req.FilePath,
		Strategy:    req.Strategy,
		Content:     diffText,
		Fingerprint: patch.Fingerprint(req.Content),
		Kind:        suggestion.KindApplyDiff,
	}}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```diff")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s) + "\n"
}
