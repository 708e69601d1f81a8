package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
	"github.com/V4T54L/agentlens-ingest/internal/domain/mocks"
)

func chain(n int) []domain.ChainLink {
	links := make([]domain.ChainLink, n)
	prev := ""
	for i := range links {
		e := domain.QueuedEvent{ID: string(rune('a' + i)), Type: "llm_call", Timestamp: "2024-05-01T10:00:00Z"}
		links[i] = domain.ChainLink{ID: e.ID, Type: e.Type, Timestamp: e.Timestamp, PrevHash: prev, Hash: domain.ComputeHash(e, prev)}
		prev = links[i].Hash
	}
	return links
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("Intact", func(t *testing.T) {
		var out, errOut bytes.Buffer
		code := verify(ctx, &mocks.MockChainReader{Links: map[string][]domain.ChainLink{"org-a": chain(3)}}, "org-a", &out, &errOut)
		assert.Equal(t, exitOK, code)
		assert.Contains(t, out.String(), "3 events, chain intact")
	})

	t.Run("Empty chain is intact", func(t *testing.T) {
		var out, errOut bytes.Buffer
		assert.Equal(t, exitOK, verify(ctx, &mocks.MockChainReader{}, "org-a", &out, &errOut))
	})

	t.Run("Tampered link", func(t *testing.T) {
		links := chain(3)
		links[1].Type = "tool_call"
		var out, errOut bytes.Buffer
		code := verify(ctx, &mocks.MockChainReader{Links: map[string][]domain.ChainLink{"org-a": links}}, "org-a", &out, &errOut)
		assert.Equal(t, exitBroken, code)
		assert.Contains(t, out.String(), "index 1")
	})

	t.Run("Reader failure", func(t *testing.T) {
		var out, errOut bytes.Buffer
		code := verify(ctx, &mocks.MockChainReader{Err: errors.New("connection refused")}, "org-a", &out, &errOut)
		assert.Equal(t, exitError, code)
		assert.Contains(t, errOut.String(), "connection refused")
	})
}
