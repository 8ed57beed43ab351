package auction

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBidTooLow is returned when a bid does not exceed the current highest bid.
	ErrBidTooLow = errors.New("bid too low")
	// ErrRoundActive is returned when a rollover is requested before the deadline.
	ErrRoundActive = errors.New("auction: round has not ended")
	// ErrInvalidSongURL mirrors the contract rejecting an embed URL.
	ErrInvalidSongURL = errors.New("auction: invalid song url")
	// ErrNothingToClaim is returned when no pending return exists for a round.
	ErrNothingToClaim = errors.New("auction: nothing to claim")
	// ErrInsufficientBalance is returned when the token balance cannot cover a bid.
	ErrInsufficientBalance = errors.New("auction: insufficient token balance")
	// ErrUnknownRound is returned for round ids beyond the current round.
	ErrUnknownRound = errors.New("auction: unknown round")
	// ErrNoAccount is returned when a write is requested without a signing account.
	ErrNoAccount = errors.New("auction: no signing account configured")
)

// ValidationError reports an input rejected before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ReadError wraps a failed contract read.
type ReadError struct {
	Method string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Method, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Step names a write inside a workflow.
type Step string

const (
	StepApprove  Step = "approve"
	StepBid      Step = "bid"
	StepRollover Step = "end_round_and_start_new_round"
	StepWithdraw Step = "withdraw"
)

// WriteError wraps a failed transaction submission or confirmation.
type WriteError struct {
	Step   Step
	TxHash string
	Err    error
}

func (e *WriteError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s %s: %v", e.Step, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

var revertReasons = map[string]error{
	"auction: bid is too low":      ErrBidTooLow,
	"auction: round has not ended": ErrRoundActive,
	"auction: invalid song url":    ErrInvalidSongURL,
}

// ClassifyRevert maps known contract revert reasons onto sentinel errors.
// Unknown errors are returned unchanged.
func ClassifyRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for reason, sentinel := range revertReasons {
		if strings.Contains(msg, reason) {
			if errors.Is(err, sentinel) {
				return err
			}
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return err
}
