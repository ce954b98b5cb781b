package app

import "errors"

var (
	// ErrUploadTooLarge indicates the submission exceeds the tier's file
	// size allowance.
	ErrUploadTooLarge = errors.New("upload exceeds tier file size limit")
	// ErrUploadsDisabled indicates no object storage is configured.
	ErrUploadsDisabled = errors.New("uploads not configured")
	// ErrSessionNotFound indicates an unknown grading session handle.
	ErrSessionNotFound = errors.New("grading session not found")
	// ErrSubmissionNotFound indicates a submission key outside the caller's
	// namespace or one that was never stored.
	ErrSubmissionNotFound = errors.New("submission not found")
)
