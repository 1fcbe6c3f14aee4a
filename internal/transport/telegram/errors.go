package telegram

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyhub/internal/transport"
)

// Unrecognized API errors come back as "telegram: <description> (<code>)".
var trailingCode = regexp.MustCompile(`\((\d{3})\)\s*$`)

// mapError normalizes telebot errors into *transport.Error so callers can
// classify them without importing telebot.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := transport.AsError(err); ok {
		return err
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.Error{
			Code:        429,
			Description: "Too Many Requests",
			RetryAfter:  time.Duration(flood.RetryAfter) * time.Second,
			Err:         err,
		}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &transport.Error{
			Code:        429,
			Description: "Too Many Requests",
			RetryAfter:  time.Duration(floodPtr.RetryAfter) * time.Second,
			Err:         err,
		}
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		return &transport.Error{Code: te.Code, Description: te.Description, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &transport.Error{Code: 0, Description: "network error", Err: err}
	}

	if m := trailingCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return &transport.Error{Code: code, Err: err}
	}
	return &transport.Error{Code: 0, Err: err}
}
