package moodle

import (
	"context"
	"errors"

	appLog "campussync/internal/log"
)

// TokenValidator checks that a bearer token is still accepted.
type TokenValidator struct {
	client *Client
}

func NewTokenValidator(c *Client) *TokenValidator {
	return &TokenValidator{client: c}
}

// Validate reports whether Check accepted the token. An unreachable
// webservice also reads as false; callers that must not act on an outage
// use Check.
func (v *TokenValidator) Validate(ctx context.Context, token string) bool {
	return v.Check(ctx, token) == nil
}

// Check calls core_webservice_get_site_info over REST. If that call fails
// for any reason it asks again through the batched mobile-call endpoint,
// which some deployments leave open when the direct REST function is
// disabled.
//
// The result is nil if either path succeeds. An error matching
// ErrInvalidToken means Moodle answered and rejected the token. An error
// matching ErrUpstreamUnavailable means no path gave a definite answer, and
// the token must be kept.
func (v *TokenValidator) Check(ctx context.Context, token string) error {
	if token == "" {
		return &Error{Kind: KindInvalidToken, Function: fnSiteInfo, Message: "empty token"}
	}

	// Never answered from cache.
	var info SiteInfo
	restErr := v.client.Call(ctx, fnSiteInfo, token, nil, 0, &info)
	if restErr == nil {
		return nil
	}
	appLog.Debug("token check failed, trying mobile call", "err", restErr.Error())

	resps, mobileErr := v.client.MobileCall(ctx, token, []MobileRequest{{
		Index:      0,
		MethodName: fnSiteInfo,
		Args:       map[string]any{},
	}})
	if mobileErr == nil {
		if len(resps) > 0 && !resps[0].Error && resps[0].Exception == nil {
			return nil
		}
		rejected := &Error{Kind: KindInvalidToken, Function: mobileCallFunc, Message: "token not accepted"}
		if len(resps) > 0 && resps[0].Exception != nil {
			rejected.Code = resps[0].Exception.ErrorCode
			rejected.Message = resps[0].Exception.Message
		}
		return rejected
	}

	switch {
	case errors.Is(restErr, ErrInvalidToken):
		return restErr
	case errors.Is(mobileErr, ErrInvalidToken):
		return mobileErr
	case errors.Is(mobileErr, ErrUpstreamUnavailable):
		appLog.Error("token validation inconclusive", mobileErr)
		return mobileErr
	case errors.Is(restErr, ErrUpstreamUnavailable):
		appLog.Error("token validation inconclusive", restErr)
		return restErr
	}
	// Both paths answered, neither accepted the token.
	return &Error{Kind: KindInvalidToken, Function: fnSiteInfo, Message: "token not accepted", Err: mobileErr}
}
