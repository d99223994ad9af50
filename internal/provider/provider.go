// Package provider adapts hosted language models to a single completion
// call taking a system and a user message.
package provider

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultMaxTokens bounds the length of a completion.
	DefaultMaxTokens = 500
	DefaultTimeout   = 30 * time.Second
)

// Completer returns the model's free text reply to a system and user
// message pair.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Provider is a Completer backed by a named vendor.
type Provider interface {
	Completer

	// Name returns the provider identifier ("openai", "anthropic").
	Name() string

	// Model returns the model completions are requested from.
	Model() string
}

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrEmptyCompletion  = errors.New("model returned no completion")
)
