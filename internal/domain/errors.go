package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrCancelled    = errors.New("cancelled")
)

// Specific errors.
var (
	ErrRegionNotFound     = fmt.Errorf("region: %w", ErrNotFound)
	ErrPackNotFound       = fmt.Errorf("pack: %w", ErrNotFound)
	ErrArchiveNotFound    = fmt.Errorf("archive: %w", ErrNotFound)
	ErrTileNotFound       = fmt.Errorf("tile: %w", ErrNotFound)
	ErrSessionNotFound    = fmt.Errorf("download session: %w", ErrNotFound)
	ErrArchiveMetadata    = fmt.Errorf("archive metadata: %w", ErrInternal)
	ErrAmbiguousInstall   = fmt.Errorf("ambiguous install: %w", ErrInternal)
	ErrDownloadCancelled  = fmt.Errorf("download: %w", ErrCancelled)
	ErrStorageUnavailable = fmt.Errorf("storage: %w", ErrUnavailable)
	ErrInvalidTile        = fmt.Errorf("tile coordinate: %w", ErrInvalidInput)
	ErrInvalidArchiveID   = fmt.Errorf("archive id: %w", ErrInvalidInput)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (download, open, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// TransferError represents a remote transfer that returned an unexpected status.
type TransferError struct {
	Key        string // Object key or URL
	StatusCode int    // HTTP status code (0 if not an HTTP transfer)
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer of %s failed with status %d", e.Key, e.StatusCode)
	}
	return fmt.Sprintf("transfer of %s failed: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransferError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnavailable
}

// InstallError represents a failed pack installation step.
type InstallError struct {
	PackID string    // Pack identifier
	Phase  PackState // State the pack was in when it failed
	Err    error     // Underlying error
}

// Error implements the error interface.
func (e *InstallError) Error() string {
	return fmt.Sprintf("install of pack %s failed while %s: %v", e.PackID, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *InstallError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error type.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
