package consts

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrNoRecipients    = errors.New("mail item has no recipients")
	ErrInvalidItem     = errors.New("invalid mail item")
	ErrCorruptRecord   = errors.New("corrupt spool record")
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrReservedName    = errors.New("reserved pipeline name")
	ErrPipelineBusy    = errors.New("pipeline instance already running")
	ErrKeyLocked       = errors.New("spool key is locked")
	ErrInternalError   = errors.New("internal error")
	ErrInvalidFilter   = errors.New("invalid filter")

	ErrUnknownCondition = errors.New("unknown condition")
	ErrUnknownAction    = errors.New("unknown action")

	ErrSerializationFailed = errors.New("serialization failed")
)
