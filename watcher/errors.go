package watcher

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	WATCH_ERR_MALFORMED_CHAIN  ErrorCode = "WATCH_ERR_MALFORMED_CHAIN"
	WATCH_ERR_NO_UTXO          ErrorCode = "WATCH_ERR_NO_UTXO"
	WATCH_ERR_SIGNING_FAILED   ErrorCode = "WATCH_ERR_SIGNING_FAILED"
	WATCH_ERR_BROADCAST_FAILED ErrorCode = "WATCH_ERR_BROADCAST_FAILED"
	WATCH_ERR_ARTIFACT         ErrorCode = "WATCH_ERR_ARTIFACT"
)

// WatchError attributes a failure to one processing phase. NO_UTXO,
// SIGNING_FAILED and BROADCAST_FAILED are retryable on the next tick; the
// block stays in PROOF_GENERATED.
type WatchError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *WatchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	default:
		return string(e.Code)
	}
}

func (e *WatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func watcherr(code ErrorCode, msg string, err error) error {
	return &WatchError{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the watch error code, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var we *WatchError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}
