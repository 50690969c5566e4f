package chunkuploader

import (
	"net/http"
	"time"
)

// Config of an Uploader.
type Config struct {
	// Concurrency caps the parts in flight; 0 starts every part at once.
	Concurrency int
	// HTTPClient issues the part PUTs. Default: DefaultHTTPClient()
	HTTPClient *http.Client
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{}
}

// DefaultHTTPClient returns a client without an overall timeout: a part PUT lasts until
// the transport gives up or the caller's context is cancelled. Proxies are taken from
// the environment.
func DefaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 50
	transport.MaxConnsPerHost = 20
	transport.IdleConnTimeout = 10 * time.Second
	transport.TLSHandshakeTimeout = 5 * time.Second
	return &http.Client{Transport: transport}
}
