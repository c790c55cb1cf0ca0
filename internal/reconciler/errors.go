package reconciler

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// ErrorClass is the reconciler's error taxonomy (spec §4.8/§7 "Reconciler errors are classified
// Temporary/Permanent/Unknown, driving the requeue delays").
type ErrorClass string

const (
	ClassTemporary ErrorClass = "Temporary"
	ClassPermanent ErrorClass = "Permanent"
	ClassUnknown   ErrorClass = "Unknown"
)

// ReconcileError wraps an underlying error with its requeue classification.
type ReconcileError struct {
	Class ErrorClass
	Err   error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

func newReconcileError(class ErrorClass, err error) *ReconcileError {
	return &ReconcileError{Class: class, Err: err}
}

// classify maps a model.Error's Kind to a requeue class; anything else (transport hiccups,
// unexpected errors) is Unknown.
func classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var merr *model.Error
	if errors.As(err, &merr) {
		switch merr.Kind {
		case model.ErrKindInvalidArguments, model.ErrKindInvalidConfig,
			model.ErrKindInvalidSchedule, model.ErrKindMethodNotFound, model.ErrKindAlreadyExists:
			return ClassPermanent
		case model.ErrKindTimeout, model.ErrKindQueueError, model.ErrKindStorageError,
			model.ErrKindResourceLimit:
			return ClassTemporary
		}
	}
	return ClassUnknown
}

// RequeueDelay implements spec §4.8's flat requeue policy (30s/300s/60s) with a ±15% jitter
// layered on top to avoid thundering-herd reconciliation across many resources, the same
// technique the pre-distillation controller applies (see SPEC_FULL.md) — the jitter perturbs timing
// only; it never changes which named delay a class maps to.
func RequeueDelay(class ErrorClass) time.Duration {
	var base time.Duration
	switch class {
	case ClassTemporary:
		base = 30 * time.Second
	case ClassPermanent:
		base = 300 * time.Second
	default:
		base = 60 * time.Second
	}
	jitter := 1 + (rand.Float64()*2-1)*0.15
	return time.Duration(float64(base) * jitter)
}
