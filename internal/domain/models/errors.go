package models

import "errors"

// Local store failures. These are fatal to the calling operation.
var ErrLocalIO = errors.New("local store failure")

// Remote store failures. None of these propagate past the sync engine.
var (
	ErrRemoteNetwork    = errors.New("remote store unreachable")
	ErrRemotePermission = errors.New("remote store permission denied")
	ErrRemoteNotFound   = errors.New("remote document not found")
	ErrRemoteOffline    = errors.New("remote store offline")
)

// ErrReconciliationParse marks a remote document that could not be decoded.
// A single malformed document is skipped by reconciliation.
var ErrReconciliationParse = errors.New("malformed remote document")

var (
	ErrInvalidStock      = errors.New("invalid stock record")
	ErrInsufficientStock = errors.New("not enough stock")
	ErrStockNotFound     = errors.New("stock not found")
	ErrIdentityConflict  = errors.New("remote identity conflict")
	ErrUnknownCategory   = errors.New("unknown category")
)
