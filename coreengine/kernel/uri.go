package kernel

import (
	"net"
	"strconv"
	"strings"
)

// ParseURI splits a connect target of the form
// <transport>://<host>:<port> (e.g. verbs://10.0.0.1:5000) into its
// parts, failing with StatusInvalidArgument on malformed input.
func ParseURI(uri string) (transport, host string, port uint16, err error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" || rest == "" {
		return "", "", 0, NewError(StatusInvalidArgument, "malformed URI "+uri)
	}

	host, portStr, splitErr := net.SplitHostPort(rest)
	if splitErr != nil || host == "" {
		return "", "", 0, NewError(StatusInvalidArgument, "malformed URI "+uri)
	}

	p, parseErr := strconv.ParseUint(portStr, 10, 16)
	if parseErr != nil {
		return "", "", 0, NewError(StatusInvalidArgument, "malformed URI "+uri)
	}
	return scheme, host, uint16(p), nil
}
