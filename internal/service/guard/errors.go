package guard

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

// Kind classifies a remote failure.
type Kind int

const (
	KindNone Kind = iota
	KindNetwork
	KindPermissionDenied
	KindNotFound
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNetwork:
		return "network"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// MongoDB server codes that mean the caller is not allowed to do this:
// Unauthorized, AuthenticationFailed, AtlasError (bad credentials).
var permissionCodes = []int{13, 18, 8000}

// RemoteError is a classified remote failure. errors.Is matches both the
// category sentinel (models.ErrRemoteNetwork and friends) and the cause.
type RemoteError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	if s := e.sentinel(); s != nil {
		return []error{s, e.Err}
	}
	return []error{e.Err}
}

func (e *RemoteError) sentinel() error {
	switch e.Kind {
	case KindNetwork:
		return models.ErrRemoteNetwork
	case KindPermissionDenied:
		return models.ErrRemotePermission
	case KindNotFound:
		return models.ErrRemoteNotFound
	default:
		return nil
	}
}

// Classify maps an error returned by a remote store into a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}

	switch {
	case errors.Is(err, models.ErrRemoteNetwork), errors.Is(err, models.ErrRemoteOffline):
		return KindNetwork
	case errors.Is(err, models.ErrRemotePermission):
		return KindPermissionDenied
	case errors.Is(err, models.ErrRemoteNotFound), errors.Is(err, mongo.ErrNoDocuments):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindNetwork
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return KindNetwork
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range permissionCodes {
			if se.HasErrorCode(code) {
				return KindPermissionDenied
			}
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindOther
}
