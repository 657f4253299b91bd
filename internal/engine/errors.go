package engine

import (
	stderrors "errors"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// commandError extracts the numeric code and message from a MongoDB
// command error, the way the teacher's isMongoError does via errors.As.
func commandError(err error) (code int32, msg string, ok bool) {
	var cmdErr mongo.CommandError
	if stderrors.As(err, &cmdErr) {
		return cmdErr.Code, cmdErr.Message, true
	}
	return 0, "", false
}

// hasErrorCode reports whether err is (or wraps) a mongo.CommandError with
// the given code.
func hasErrorCode(err error, code int32) bool {
	c, _, ok := commandError(err)
	return ok && c == code
}

// Sentinel error taxonomy. Every exported error from this package is one
// of these, or one of these wrapped with additional context via
// github.com/pkg/errors.Wrap. Callers above the adapter boundary use
// errors.Is/errors.As against these values and never branch on a raw
// driver error or wire error code again — that branching stays inside this
// package (classify, plus the state-mapping code checks in Adapter.Status
// and Adapter.Initiate), per the design note on error-as-control-flow in
// the source this adapter is modeled on.
var (
	ErrNotPrimary         = stderrors.New("engine: not primary")
	ErrAuthRequired       = stderrors.New("engine: authentication required")
	ErrReplicaSetMismatch = stderrors.New("engine: replica set ID did not match")
	ErrUnreachable        = stderrors.New("engine: unreachable")
	ErrUnknown            = stderrors.New("engine: unknown error")
)

// mongo error codes used for classification, per the server's error_codes.yml.
const (
	codeUnauthorized          = 13
	codeNotYetInitialized     = 94
	codeInvalidReplicaSetCfg  = 93
	codeNotPrimaryOrSecondary = 13436
	codeAlreadyInitialized    = 23
	codeNotPrimaryNoSteppable = 10107
)

// classify normalizes a raw driver/wire error into the taxonomy above.
// Command-error codes and message substrings are matched exactly once,
// here, rather than at every call site.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if code, msg, ok := commandError(err); ok {
		switch code {
		case codeUnauthorized:
			return errors.Wrap(ErrAuthRequired, msg)
		case codeNotPrimaryNoSteppable, codeNotPrimaryOrSecondary, codeInvalidReplicaSetCfg:
			// 13436 (NotPrimaryOrSecondary) and 93 (InvalidReplicaSetConfig)
			// both signal a node that can't be acted on as a configured
			// replica-set member right now, the same class the teacher's
			// isUserCreated/isReplInitialised group alongside NotYetInitialized.
			return errors.Wrap(ErrNotPrimary, msg)
		}
		if strings.Contains(msg, "replica set ID did not match") {
			return errors.Wrap(ErrReplicaSetMismatch, msg)
		}
		if matchesAuthMessage(msg) {
			return errors.Wrap(ErrAuthRequired, msg)
		}
		return errors.Wrap(ErrUnknown, msg)
	}

	msg := err.Error()
	if matchesAuthMessage(msg) {
		return errors.Wrap(ErrAuthRequired, msg)
	}
	if strings.Contains(msg, "replica set ID did not match") {
		return errors.Wrap(ErrReplicaSetMismatch, msg)
	}
	if isNetworkish(msg) {
		return errors.Wrap(ErrUnreachable, msg)
	}
	return errors.Wrap(ErrUnknown, msg)
}

func matchesAuthMessage(msg string) bool {
	return strings.Contains(msg, "Authentication failed") ||
		strings.Contains(msg, "requires authentication") ||
		strings.Contains(msg, "not authorized")
}

func isNetworkish(msg string) bool {
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"no reachable servers",
		"server selection error",
		"EOF",
		"broken pipe",
		"i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
