// Package discovery advertises and finds sync servers on the local network
// over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_collabtext._tcp"
	Domain         = "local."
)

// ErrNotFound is returned by Lookup when no server answered in time.
var ErrNotFound = errors.New("no server found")

// Advertisement is a registered mDNS service.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces a sync server listening on port.
func Advertise(service string, port int, log logr.Logger) (*Advertisement, error) {
	server, err := zeroconf.Register(InstanceName(), service, Domain, port, []string{"txtv=0", "path=/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	log.Info("mDNS service registered", "service", service, "port", port)
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// InstanceName is the mDNS instance name of this host's server.
func InstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "CollabText-" + host
}

// Lookup browses for service until ctx is done and returns the host:port of
// the first instance that reports an address.
func Lookup(ctx context.Context, service string, log logr.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, Domain, entries); err != nil {
		return "", fmt.Errorf("browse for %s: %w", service, err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			addr := address(entry)
			if addr == "" {
				continue
			}
			log.Info("mDNS discovered server", "instance", entry.Instance, "addr", addr)
			return addr, nil
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrNotFound, ctx.Err())
		}
	}
}

func address(e *zeroconf.ServiceEntry) string {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return ""
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
}
