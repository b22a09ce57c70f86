// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package explain turns a VersionDiff into a human-readable analysis using
// an OpenAI-compatible chat completion API.
package explain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// NoChangesSummary is returned for a diff with no deltas. No completion is
// requested for it.
const NoChangesSummary = "The two versions expose identical entry points and named keys."

const systemPrompt = "You are a smart contract auditor. Explain changes between two versions of a " +
	"Casper contract package for a developer audience. Call out removed or narrowed entry points, " +
	"access changes, and named keys that now point elsewhere. Be concise."

var (
	// ErrEmptyResponse is returned when the model returns no choices.
	ErrEmptyResponse = errors.New("completion returned no choices")

	// ErrNilDiff is returned by Explain for a nil diff.
	ErrNilDiff = errors.New("nil diff")
)

// Completer is the chat completion call Explainer needs. *openai.Client
// implements it.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures an Explainer.
type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Logger      *slog.Logger
}

// Analysis is the result of Explain.
type Analysis struct {
	Summary      string `json:"summary"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Explainer builds prompts from diffs and asks a model to explain them.
//
// # Thread Safety
//
// Safe for concurrent use if the Completer is.
type Explainer struct {
	completer Completer
	cfg       Config
	logger    *slog.Logger
}

// NewOpenAIClient creates an OpenAI client. A non-empty baseURL points it at
// any OpenAI-compatible server.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// New creates an Explainer.
func New(completer Completer, cfg Config) *Explainer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Explainer{
		completer: completer,
		cfg:       cfg,
		logger:    logging.OrDefault(cfg.Logger).With("component", "explainer"),
	}
}

// Explain asks the model to explain diff.
//
// # Outputs
//
//   - *Analysis: The model's explanation. For an empty diff, NoChangesSummary
//     without a model call.
//   - error: ErrNilDiff, ErrEmptyResponse, or the completion error.
func (e *Explainer) Explain(ctx context.Context, diff *datatypes.VersionDiff) (*Analysis, error) {
	if diff == nil {
		return nil, ErrNilDiff
	}
	if diff.Empty() {
		return &Analysis{Summary: NoChangesSummary, Model: e.cfg.Model}, nil
	}

	req := openai.ChatCompletionRequest{
		Model: e.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(diff)},
		},
		Temperature: e.cfg.Temperature,
	}
	if e.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = e.cfg.MaxTokens
	}

	e.logger.Debug("Requesting diff analysis",
		"model", e.cfg.Model,
		"package_ref", diff.PackageIdentity,
		"older_version", diff.Older.VersionNumber,
		"newer_version", diff.Newer.VersionNumber)
	resp, err := e.completer.CreateChatCompletion(ctx, req)
	if err != nil {
		e.logger.Error("Diff analysis failed", "model", e.cfg.Model, "error", err)
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return &Analysis{
		Summary:      strings.TrimSpace(choice.Message.Content),
		Model:        e.cfg.Model,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// BuildPrompt renders diff as the user message of an analysis request.
func BuildPrompt(diff *datatypes.VersionDiff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Package %s changed from version %d (%s) to version %d (%s).\n",
		diff.PackageIdentity,
		diff.Older.VersionNumber, diff.Older.ContractIdentity,
		diff.Newer.VersionNumber, diff.Newer.ContractIdentity)
	if diff.Older.WasmHash != "" && diff.Older.WasmHash == diff.Newer.WasmHash {
		b.WriteString("Both versions share the same Wasm.\n")
	}

	if len(diff.EntryPoints) > 0 {
		b.WriteString("\n## Entry points\n")
		for _, d := range diff.EntryPoints {
			switch d.Kind {
			case datatypes.DeltaAdded:
				fmt.Fprintf(&b, "- added %s\n", Signature(d.EntryPoint))
			case datatypes.DeltaRemoved:
				fmt.Fprintf(&b, "- removed %s\n", Signature(d.EntryPoint))
			case datatypes.DeltaModified:
				fmt.Fprintf(&b, "- modified %s\n", d.Name())
				b.WriteString("```diff\n")
				b.WriteString(EntryPointDiff(d.From, d.To))
				b.WriteString("```\n")
			}
		}
	}

	if len(diff.NamedKeys) > 0 {
		b.WriteString("\n## Named keys\n")
		for _, d := range diff.NamedKeys {
			switch d.Kind {
			case datatypes.DeltaAdded:
				fmt.Fprintf(&b, "- added %s -> %s\n", d.Key, d.Value)
			case datatypes.DeltaRemoved:
				fmt.Fprintf(&b, "- removed %s (was %s)\n", d.Key, d.Value)
			case datatypes.DeltaModified:
				fmt.Fprintf(&b, "- %s moved from %s to %s\n", d.Key, d.From, d.To)
			}
		}
	}
	return b.String()
}

// Signature renders an entry point as name(arg: type, ...) -> ret [access].
func Signature(ep datatypes.EntryPoint) string {
	args := make([]string, 0, len(ep.Args))
	for _, a := range ep.Args {
		args = append(args, a.Name+": "+a.CLType.String())
	}
	return fmt.Sprintf("%s(%s) -> %s [%s]", ep.Name, strings.Join(args, ", "), ep.Ret.String(), ep.Access.String())
}

// EntryPointDiff returns a unified diff of the indented JSON of two
// entry points.
func EntryPointDiff(from, to datatypes.EntryPoint) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(indent(from)),
		B:        difflib.SplitLines(indent(to)),
		FromFile: "v1/" + from.Name,
		ToFile:   "v2/" + to.Name,
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return text
}

func indent(ep datatypes.EntryPoint) string {
	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return ""
	}
	return string(data) + "\n"
}
