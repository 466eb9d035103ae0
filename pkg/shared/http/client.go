// Package http builds pre-tuned *http.Client instances for the egress
// clients OpsConductor talks through (LLM backend, Asset service,
// Automation service, and assorted lightweight webhooks).
package http

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig tunes the transport behind a shared *http.Client.
type ClientConfig struct {
	Timeout                 time.Duration
	// MaxRetries is recorded on the config only: NewClient does not read it,
	// and the clients it builds never retry a request.
	MaxRetries              int
	DisableSSLVerification  bool
	MaxIdleConns            int
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
}

// DefaultClientConfig is the baseline tuning used when a caller has no
// stronger opinion.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}

// NewClient builds an *http.Client from the given configuration.
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds a client with DefaultClientConfig but a custom timeout.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	config := DefaultClientConfig()
	config.Timeout = timeout
	return NewClient(config)
}

// NewDefaultClient builds a client using DefaultClientConfig as-is.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}

// SlackClientConfig tunes a client for the (external, unspecified)
// notification webhook path: short timeout, few retries.
func SlackClientConfig() ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = 10 * time.Second
	config.MaxRetries = 2
	return config
}

// PrometheusClientConfig tunes a client for scraping/querying a metrics
// backend: response headers must land well within the overall timeout.
func PrometheusClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 2
	return config
}

// LLMClientConfig tunes a client for the OpenAI-compatible chat/completions
// endpoint: inference is slow, so the response-header budget is a third of
// the overall timeout to leave room for generation once headers land.
func LLMClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 3
	return config
}

// AutomationClientConfig tunes a client for the Automation service's
// dispatch-and-poll calls: each individual HTTP round trip (a POST to
// start an execution, or a GET to poll its status) should return quickly
// even though the execution itself may run far longer, so the timeout is
// the per-poll budget, not the step's overall deadline.
func AutomationClientConfig(perCallTimeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = perCallTimeout
	config.ResponseHeaderTimeout = perCallTimeout / 2
	config.MaxRetries = 2
	return config
}

// AssetClientConfig tunes a client for the Asset service: simple key/value
// and search lookups that should come back fast, since these calls sit
// directly in the Orchestrator's pre-Planner hydration path. It sets
// MaxRetries to 2, which NewClient does not act on.
func AssetClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 2
	config.MaxRetries = 2
	return config
}
