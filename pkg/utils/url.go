package utils

import (
	"errors"
	"fmt"
	"net/url"
)

// Parses a string of the form tcp://<host>:<port> and returns the
// host and port, or an error if the string is not a valid URL.
// If the port is not specified, defaultPort is used.
func ParseTcpUrl(urlstr string, defaultPort int) (string, error) {
	uri, err := url.Parse(urlstr)
	if err != nil {
		return "", err
	}

	switch uri.Scheme {
	case "tcp", "tcp4", "tcp6":
	default:
		return "", errors.New("Unsupported protocol: " + uri.Scheme)
	}

	if uri.Port() == "" {
		uri.Host += fmt.Sprintf(":%d", defaultPort)
	}

	return uri.Host, nil
}

// Same as ParseTcpUrl, defaulting to port 8080.
func ParseHttpUrl(urlstr string) (string, error) {
	return ParseTcpUrl(urlstr, 8080)
}
