package consts

import "errors"

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrScriptTooLarge   = errors.New("script too large")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrCacheMiss      = errors.New("cache miss")
	ErrS3UploadFailed = errors.New("s3 upload failed")

	ErrRelayNotConfigured = errors.New("relay not configured")
)
