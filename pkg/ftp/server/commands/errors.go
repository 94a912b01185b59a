package commands

import (
	"errors"

	"github.com/goftpd/goftpd/pkg/ftp/auth"
	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
)

// StorageReply maps a storage-backend error to the reply it produces, via
// the ErrorKind table. Non-storage errors map to 451. Exported for reuse by
// the control loop when a deferred handler's completion message carries a
// storage error (server.go).
func StorageReply(path string, err error) reply.Reply {
	var se *storage.Error
	if !errors.As(err, &se) {
		return reply.Newf(reply.CodeLocalError, "Local error: %v", err)
	}
	switch se.Kind {
	case storage.ErrTransientFileNotAvailable:
		return reply.Newf(reply.CodeFileBusy, "%s: file busy, try again", path)
	case storage.ErrPermanentFileNotAvailable:
		return reply.Newf(reply.CodeFileNotFound, "%s: file not found", path)
	case storage.ErrPermissionDenied:
		return reply.Newf(reply.CodeFileNotFound, "%s: permission denied", path)
	case storage.ErrLocalError:
		return reply.Newf(reply.CodeLocalError, "%s: local error", path)
	case storage.ErrInsufficientStorageSpace:
		return reply.Newf(reply.CodeInsufficientStorage, "%s: insufficient storage space", path)
	case storage.ErrExceededStorageAllocation:
		return reply.Newf(reply.CodeExceededAllocation, "%s: exceeded storage allocation", path)
	case storage.ErrFileNameNotAllowed:
		return reply.Newf(reply.CodeFileNameNotAllowed, "%s: file name not allowed", path)
	case storage.ErrPageTypeUnknown:
		return reply.Newf(reply.CodePageTypeUnknown, "%s: page type unknown", path)
	default:
		return reply.Newf(reply.CodeLocalError, "%s: local error", path)
	}
}

// authReply maps an authentication-pipeline error to its 530 reply. Every
// AuthError kind replies 530: only the message differs.
func authReply(err error) reply.Reply {
	var ae *auth.Error
	if !errors.As(err, &ae) {
		return reply.New(reply.CodeNotLoggedIn, "Authentication failed")
	}
	switch ae.Kind {
	case auth.ErrBadPassword, auth.ErrBadUser:
		return reply.New(reply.CodeNotLoggedIn, "Authentication failed")
	case auth.ErrBadCert:
		return reply.New(reply.CodeNotLoggedIn, "Invalid client certificate")
	case auth.ErrIPDisallowed:
		return reply.New(reply.CodeNotLoggedIn, "Login not allowed from this address")
	case auth.ErrCNDisallowed:
		return reply.New(reply.CodeNotLoggedIn, "Certificate common name not allowed")
	default:
		return reply.New(reply.CodeNotLoggedIn, "Authentication failed")
	}
}
