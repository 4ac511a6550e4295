package connectbridge

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const defaultPort = "443"

// normalizeAddress turns host[:port] into host:port, defaulting the port to 443.
func normalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || addrErr.Err != "missing port in address" {
			return "", fmt.Errorf("%w: expect host[:port], got %q", ErrInvalidAddress, address)
		}
		host, port = strings.TrimSuffix(strings.TrimPrefix(address, "["), "]"), defaultPort
	}
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, address)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, address)
	}
	return net.JoinHostPort(host, port), nil
}

// procedureURL builds the connect client URL for one method.
func procedureURL(hostport, path string, insecure bool) string {
	scheme := "https"
	if insecure {
		scheme = "http"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + hostport + path
}
