package controlplane

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/osiriscare/appliance/internal/apperr"
)

// classifyTransportError maps a failed HTTP round trip to the
// transport/timeout kinds the rest of the appliance branches on. DNS
// failures, refused connections, and 5xx responses are transient — worth
// retrying once the control plane recovers. TLS errors and every 4xx,
// auth failures (401/403) included, are permanent: retrying won't change
// the outcome.
func classifyTransportError(op string, err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return apperr.New(op, apperr.Timeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return apperr.New(op, apperr.TransportTransient, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperr.New(op, apperr.TransportTransient, err)
	}

	if err != nil && strings.Contains(err.Error(), "tls:") {
		return apperr.New(op, apperr.TransportPermanent, err)
	}

	if err != nil {
		return apperr.New(op, apperr.TransportTransient, err)
	}

	switch {
	case statusCode >= 500:
		return apperr.New(op, apperr.TransportTransient, httpStatusError(statusCode))
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return apperr.New(op, apperr.TransportPermanent, httpStatusError(statusCode))
	case statusCode >= 400:
		return apperr.New(op, apperr.TransportPermanent, httpStatusError(statusCode))
	default:
		return nil
	}
}

type httpStatusError int

func (e httpStatusError) Error() string {
	return http.StatusText(int(e)) + " (" + strconv.Itoa(int(e)) + ")"
}
