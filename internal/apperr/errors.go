package apperr

import "errors"

var (
	ErrNotPermitted       = errors.New("users are not connected")
	ErrNotFound           = errors.New("not found")
	ErrEmptyMessage       = errors.New("message has no content")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	ErrAttachmentUpload   = errors.New("attachment upload failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrBadRequest         = errors.New("bad request")
	ErrInternal           = errors.New("internal error")
	ErrRateLimited        = errors.New("rate limited")
)
