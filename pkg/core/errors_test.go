package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrfMatchesSentinel(t *testing.T) {
	err := Errf(ErrBadNonce, "got %d, want %d", 7, 3)
	if !errors.Is(err, ErrBadNonce) {
		t.Errorf("derived error does not match sentinel")
	}
	if errors.Is(err, ErrBadSignature) {
		t.Errorf("derived error matches wrong sentinel")
	}
	if CodeOf(err) != "BadNonce" {
		t.Errorf("CodeOf = %s, want BadNonce", CodeOf(err))
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("submit: %w", Errf(ErrInsufficientBalance, "need 10"))
	if CodeOf(err) != "InsufficientBalance" {
		t.Errorf("CodeOf wrapped = %s, want InsufficientBalance", CodeOf(err))
	}
	if ClassOf(err) != ClassCapacity {
		t.Errorf("ClassOf wrapped = %d, want capacity", ClassOf(err))
	}
	if CodeOf(errors.New("plain")) != "Internal" {
		t.Errorf("uncoded errors should map to Internal")
	}
}

func TestInvariantClassification(t *testing.T) {
	if !IsInvariant(ErrZeroSumBroken) {
		t.Errorf("ZeroSumBroken must be an invariant error")
	}
	if IsInvariant(ErrBadNonce) {
		t.Errorf("BadNonce must not be an invariant error")
	}
}

func TestOrderExpiry(t *testing.T) {
	o := &Order{Deadline: 100}
	if !o.ExpiredAt(100) {
		t.Errorf("deadline equal to now must count as expired")
	}
	if o.ExpiredAt(99) {
		t.Errorf("deadline in the future must not be expired")
	}
}
