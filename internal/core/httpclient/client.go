// Package httpclient configures the HTTP client used to download upstream archives.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// NewOutbound creates the client for archive downloads. There is no
// Client.Timeout; callers bound each transfer with a context deadline.
func NewOutbound() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// archives are already compressed
		DisableCompression: true,
	}
	return &http.Client{Transport: transport}
}
