package service

import "github.com/noah-isme/roomchat-api/internal/apperror"

// Errors returned by the chat service. Callers match them with errors.Is.
var (
	ErrNotFound        = apperror.ErrNotFound
	ErrAccessDenied    = apperror.ErrAccessDenied
	ErrInvalidArgument = apperror.ErrInvalidArgument
	ErrTransientStore  = apperror.ErrTransientStore
	ErrValidation      = apperror.ErrValidation
)
