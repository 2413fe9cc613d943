package transport

import (
	"net"
	"net/http"
	"time"
)

func baseTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewHTTPClient returns the process-wide client for blocking upstream calls.
// The timeout bounds the whole exchange including body read.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: baseTransport(),
	}
}

// NewStreamingClient returns a client for long-lived streaming responses.
// No overall timeout: the total duration is bounded by the caller's context
// and the stream duration cap, not by the client. Response headers still
// have to arrive within the given timeout.
func NewStreamingClient(headerTimeout time.Duration) *http.Client {
	t := baseTransport()
	t.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: t}
}
