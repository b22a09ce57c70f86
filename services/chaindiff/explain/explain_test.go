// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package explain

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

type fakeCompleter struct {
	reply string
	err   error
	reqs  []openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	if f.reply == "" {
		return openai.ChatCompletionResponse{}, nil
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "  " + f.reply + "\n"},
		FinishReason: openai.FinishReasonStop,
	}}}, nil
}

func transfer(access string) datatypes.EntryPoint {
	return datatypes.EntryPoint{
		Name:           "transfer",
		Args:           []datatypes.EntryArg{{Name: "amount", CLType: datatypes.MustOpaque(`"U256"`)}},
		Ret:            datatypes.MustOpaque(`"Unit"`),
		Access:         datatypes.MustOpaque(access),
		EntryPointType: "Called",
	}
}

func sampleDiff() *datatypes.VersionDiff {
	return &datatypes.VersionDiff{
		Older:           datatypes.VersionDiffMeta{VersionNumber: 1, ContractIdentity: "contract-01"},
		Newer:           datatypes.VersionDiffMeta{VersionNumber: 2, ContractIdentity: "contract-02"},
		PackageIdentity: "contract-package-ab",
		EntryPoints: []datatypes.EntryPointDelta{
			datatypes.ModifiedEntryPoint(transfer(`"Public"`), transfer(`{"Groups":["admin"]}`)),
			datatypes.AddedEntryPoint(datatypes.EntryPoint{Name: "pause", Ret: datatypes.MustOpaque(`"Unit"`), Access: datatypes.MustOpaque(`"Public"`)}),
		},
		NamedKeys: []datatypes.NamedKeyDelta{
			datatypes.ModifiedNamedKey("balances", "uref-01-007", "uref-02-007"),
			datatypes.RemovedNamedKey("legacy", "hash-03"),
		},
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(sampleDiff())

	assert.Contains(t, prompt, "version 1 (contract-01) to version 2 (contract-02)")
	assert.Contains(t, prompt, "- modified transfer")
	assert.Contains(t, prompt, "--- v1/transfer")
	assert.Contains(t, prompt, "+++ v2/transfer")
	assert.Contains(t, prompt, `-  "access": "Public"`)
	assert.Contains(t, prompt, "- added pause() -> \"Unit\" [\"Public\"]")
	assert.Contains(t, prompt, "- balances moved from uref-01-007 to uref-02-007")
	assert.Contains(t, prompt, "- removed legacy (was hash-03)")
}

func TestSignature(t *testing.T) {
	assert.Equal(t, `transfer(amount: "U256") -> "Unit" ["Public"]`, Signature(transfer(`"Public"`)))
	assert.Equal(t, "noop() -> null [null]", Signature(datatypes.EntryPoint{Name: "noop"}))
}

func TestEntryPointDiff_Identical(t *testing.T) {
	assert.Empty(t, EntryPointDiff(transfer(`"Public"`), transfer(`"Public"`)))
}

func TestExplain(t *testing.T) {
	fc := &fakeCompleter{reply: "transfer is now admin only."}
	e := New(fc, Config{Model: "test-model", MaxTokens: 256})

	got, err := e.Explain(context.Background(), sampleDiff())
	require.NoError(t, err)
	assert.Equal(t, "transfer is now admin only.", got.Summary)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "stop", got.FinishReason)

	require.Len(t, fc.reqs, 1)
	req := fc.reqs[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 256, req.MaxCompletionTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, BuildPrompt(sampleDiff()), req.Messages[1].Content)
}

func TestExplain_EmptyDiffSkipsModel(t *testing.T) {
	fc := &fakeCompleter{}
	e := New(fc, Config{})

	got, err := e.Explain(context.Background(), &datatypes.VersionDiff{})
	require.NoError(t, err)
	assert.Equal(t, NoChangesSummary, got.Summary)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Empty(t, fc.reqs)
}

func TestExplain_Errors(t *testing.T) {
	_, err := New(&fakeCompleter{}, Config{}).Explain(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilDiff)

	_, err = New(&fakeCompleter{}, Config{}).Explain(context.Background(), sampleDiff())
	assert.ErrorIs(t, err, ErrEmptyResponse)

	boom := errors.New("rate limited")
	_, err = New(&fakeCompleter{err: boom}, Config{}).Explain(context.Background(), sampleDiff())
	assert.ErrorIs(t, err, boom)
}

func TestNewOpenAIClient(t *testing.T) {
	var c Completer = NewOpenAIClient("key", "http://localhost:11434/v1")
	assert.NotNil(t, c)
}
