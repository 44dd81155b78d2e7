package endpoint

import (
	"strings"

	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

// Endpoint is a single backend address, parsed from the
// colon-delimited "host:port" form the backend publishes.
type Endpoint struct {
	Host string
	Port string
}

func Parse(raw string) (Endpoint, error) {
	host, port, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found || host == "" || port == "" {
		return Endpoint{}, boperror.Newf(boperror.BOP_UNEXPECTED, "malformed endpoint %q", raw)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseList parses a comma-joined endpoint list, dropping empty
// entries. Malformed entries fail the whole parse.
func ParseList(raw string) ([]Endpoint, error) {
	var eps []Endpoint
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ep, err := Parse(part)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Hosts returns the comma-joined host set of eps, order preserved.
func Hosts(eps []Endpoint) string {
	hosts := make([]string, 0, len(eps))
	for _, ep := range eps {
		hosts = append(hosts, ep.Host)
	}
	return strings.Join(hosts, ",")
}

// FirstPort returns the port of the first endpoint. A replica set
// shares one port in practice.
func FirstPort(eps []Endpoint) string {
	if len(eps) == 0 {
		return ""
	}
	return eps[0].Port
}
