package domain

import "errors"

var (
	ErrIPRateLimited        = errors.New("ip rate limit exceeded")
	ErrOrgRateLimited       = errors.New("organization rate limit exceeded")
	ErrUserRateLimited      = errors.New("user rate limit exceeded")
	ErrNoActivePlan         = errors.New("no active plan")
	ErrDailyLimitExceeded   = errors.New("daily token limit exceeded")
	ErrStorageLimitExceeded = errors.New("storage limit exceeded")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrUnsupported          = errors.New("capability not supported by provider")
	ErrProviderError        = errors.New("provider error")
	ErrInvalidRequest       = errors.New("invalid request")
)
