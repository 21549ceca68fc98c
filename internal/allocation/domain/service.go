// Package domain defines the allocation engine's contract: compare-and-swap
// increments of metered usage counters against plan limits.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
)

// AllocateRequest describes one allocate/deallocate attempt. OperationID is
// a correlation identifier for tracing the burst of ledger records one
// logical attempt produces; it does not deduplicate retries.
type AllocateRequest struct {
	UserID      snowflake.ID
	Resource    subscriptiondomain.ResourceType
	Amount      int
	OperationID string
}

// Result reports the outcome. Business denials come back as Success=false
// with a stable Code; only infrastructure faults and the retryable
// ErrConcurrencyConflict surface as Go errors.
type Result struct {
	Success        bool   `json:"success"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	NewUsage       int    `json:"new_usage"`
	RemainingUsage int    `json:"remaining_usage"`
	CurrentUsage   int    `json:"current_usage"`
	Limit          int    `json:"limit"`
}

type Service interface {
	// Allocate increments the counter after re-validating access inside a
	// transaction. A CAS miss aborts with ErrConcurrencyConflict and is
	// never retried internally; the caller decides whether to retry.
	Allocate(ctx context.Context, req AllocateRequest) (Result, error)

	// Deallocate decrements the counter, refusing to go below zero.
	Deallocate(ctx context.Context, req AllocateRequest) (Result, error)
}

var (
	// ErrConcurrencyConflict means another writer changed the counter
	// between read and update. Retryable with backoff.
	ErrConcurrencyConflict = errors.New("concurrency_conflict")

	// ErrNothingToDeallocate means the counter is already at zero.
	ErrNothingToDeallocate = errors.New("nothing_to_deallocate")

	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidUser   = errors.New("invalid_user")
)
