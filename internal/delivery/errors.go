package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
)

// ErrTransient and ErrPermanent classify send failures. Transient failures
// (SMTP protocol or network level) are retried with backoff; permanent ones
// (malformed attachments, encoding errors) move the record straight to the
// error status since retrying cannot change the outcome.
var (
	ErrTransient = errors.New("transient delivery error")
	ErrPermanent = errors.New("permanent delivery error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// classifySendError maps a raw delivery failure onto the retry taxonomy.
// Context cancellation passes through untouched so the engine can stop
// without recording a terminal state.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}

	// SMTP protocol responses and network failures are worth retrying;
	// anything else during a send is an unexpected failure and terminal.
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return WrapTransient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return WrapTransient(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return WrapTransient(err)
	}

	return WrapPermanent(err)
}
