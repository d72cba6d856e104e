package proxypool

import (
	"fmt"
	"net/url"
	"time"
)

// Supported proxy schemes.
const (
	SchemeHTTP   = "http"
	SchemeSOCKS5 = "socks5"
)

// Endpoint is one egress proxy. The identifying fields are set from
// configuration at startup and never change; the health fields are owned
// by the Manager and mutated only under its lock. Read health through
// Manager.Stats, not from the struct.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	Country  string

	healthy             bool
	lastChecked         time.Time
	responseTime        time.Duration
	successCount        int
	failureCount        int
	consecutiveFailures int
}

// Addr returns the endpoint's host:port.
func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL returns the endpoint as a proxy URL including credentials.
func (e *Endpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: e.Scheme,
		Host:   e.Addr(),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String renders the endpoint without credentials, safe for logs.
func (e *Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Scheme, e.Addr())
}

// successRate is the fraction of recorded outcomes that succeeded.
// Endpoints with no recorded outcomes rate 0. Callers must hold the
// Manager's lock.
func (e *Endpoint) successRate() float64 {
	total := e.successCount + e.failureCount
	if total == 0 {
		return 0
	}
	return float64(e.successCount) / float64(total)
}
