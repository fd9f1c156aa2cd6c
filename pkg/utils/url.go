package utils

import (
	"errors"
	"fmt"
	"net/url"
)

// Parses a string of the form tcp://<host>:<port> and returns the
// listen/dial address, or an error if the string is not a valid URL.
// If the port is not specified, defaultPort is used.
func parseTcpUrl(urlstr string, defaultPort int) (string, error) {
	uri, err := url.Parse(urlstr)
	if err != nil {
		return "", err
	}

	if uri.Port() == "" {
		uri.Host += fmt.Sprintf(":%d", defaultPort)
	}

	switch uri.Scheme {
	case "tcp":
		return uri.Host, nil

	default:
		return "", errors.New("Unsupported protocol: " + uri.Scheme)
	}
}

// Returns the address of an HTTP listener. Default port is 8080.
func ParseHttpUrl(urlstr string) (string, error) {
	return parseTcpUrl(urlstr, 8080)
}

// Returns the address of a gRPC listener or server. Default port is 9090.
func ParseGrpcUrl(urlstr string) (string, error) {
	return parseTcpUrl(urlstr, 9090)
}
