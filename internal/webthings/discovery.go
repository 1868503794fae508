package webthings

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/config"
)

// Discovery defaults, used when the config leaves a field empty.
const (
	defaultService          = "_webthing._tcp"
	defaultDomain           = "local."
	defaultDiscoveryTimeout = 5 * time.Second
)

// Discover locates a WebThings gateway on the local network via mDNS.
//
// The first gateway that answers wins. A TXT record of the form url=<base>
// takes precedence over the advertised address and port.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cfg: Service type, domain and browse timeout
//
// Returns:
//   - string: Gateway base URL (e.g., "http://192.168.1.10:8080")
//   - error: ErrGatewayNotFound if nothing answered before the timeout
func Discover(ctx context.Context, cfg config.DiscoveryConfig) (string, error) {
	service := cfg.Service
	if service == "" {
		service = defaultService
	}
	domain := cfg.Domain
	if domain == "" {
		domain = defaultDomain
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	browseErr := make(chan error, 1)

	go func() {
		browseErr <- zeroconf.Browse(ctx, service, domain, entries, removed)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if u := gatewayURL(entry); u != "" {
				return u, nil
			}

		case <-removed:
			// Removals before the first answer carry no information.

		case err := <-browseErr:
			if err != nil {
				return "", fmt.Errorf("browsing %s: %w", service, err)
			}
			browseErr = nil

		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s in %s after %s", ErrGatewayNotFound, service, domain, timeout)
		}
	}
}

// gatewayURL derives a base URL from a service entry, or "" if the
// entry carries no usable address.
func gatewayURL(entry *zeroconf.ServiceEntry) string {
	if entry == nil {
		return ""
	}

	scheme := "http"
	for _, txt := range entry.Text {
		key, value, found := strings.Cut(txt, "=")
		if !found {
			continue
		}
		switch strings.ToLower(key) {
		case "url":
			if value != "" {
				return strings.TrimRight(value, "/")
			}
		case "tls":
			if value == "1" || strings.EqualFold(value, "true") {
				scheme = "https"
			}
		}
	}

	if entry.Port <= 0 {
		return ""
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return ""
	}

	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(entry.Port))
}
