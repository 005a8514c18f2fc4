package authority

import (
	"github.com/hxrts/aura-sub023/common"
)

var (
	ErrPermissionDenied   = common.KindError(common.KindAuthorization, "authority: permission denied")
	ErrCapabilityNotFound = common.KindError(common.KindAuthorization, "authority: capability not found")
	ErrParentNotFound     = common.KindError(common.KindAuthorization, "authority: parent capability not found")
	ErrParentRevoked      = common.KindError(common.KindAuthorization, "authority: parent capability is revoked")
	ErrNotHolder          = common.KindError(common.KindAuthorization, "authority: issuer does not hold the parent capability")
	ErrNotRevoker         = common.KindError(common.KindAuthorization, "authority: issuer may not revoke the capability")
	ErrScopeEscalation    = common.KindError(common.KindAuthorization, "authority: delegated scope exceeds the parent scope")
	ErrExpiryEscalation   = common.KindError(common.KindAuthorization, "authority: delegated expiry exceeds the parent expiry")
	ErrIssuedBeforeParent = common.KindError(common.KindAuthorization, "authority: capability issued before its parent")
	ErrInvalidRoot        = common.KindError(common.KindAuthorization, "authority: a root must grant the universal scope to an authority")

	ErrUnknownRoot   = common.KindError(common.KindAuthentication, "authority: no group key for the root authority")
	ErrUnknownIssuer = common.KindError(common.KindAuthentication, "authority: unknown issuer")
	ErrBadSignature  = common.KindError(common.KindAuthentication, "authority: invalid signature")

	ErrCorruptCapability = common.KindError(common.KindCorruption, "authority: capability identifier does not match content")
)
