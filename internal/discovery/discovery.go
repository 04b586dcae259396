// Package discovery announces the owner daemon over mDNS and finds it from
// replicas on the same network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_settings-ui._tcp"
	domain         = "local."
)

// Service is one owner found on the network.
type Service struct {
	Instance string
	Host     string
	Port     int
	// Docs lists document URIs the owner advertised, if any.
	Docs []string
}

// Endpoint is the websocket base address, "ws://host:port".
func (s Service) Endpoint() string {
	return fmt.Sprintf("ws://%s", net.JoinHostPort(s.Host, fmt.Sprint(s.Port)))
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers the owner listening on port. docs are published in
// the TXT record.
func Advertise(service string, port int, docs []string) (*Advertisement, error) {
	if service == "" {
		service = DefaultService
	}
	host, _ := os.Hostname()
	text := []string{"txtv=1"}
	for _, d := range docs {
		text = append(text, "doc="+d)
	}
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s", "settings-ui", host),
		service,
		domain,
		port,
		text,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	glog.Infof("[discovery] mDNS service registered: %s on port %d", service, port)
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
	glog.Infof("[discovery] mDNS service withdrawn")
}

// Browse collects owners until ctx is done.
func Browse(ctx context.Context, service string) ([]Service, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Service, 1)
	// the resolver does not close entries, so collect until ctx is done
	go func(results <-chan *zeroconf.ServiceEntry) {
		var out []Service
		for {
			select {
			case entry := <-results:
				if s, ok := fromEntry(entry); ok {
					glog.V(1).Infof("[discovery] mDNS discovered peer: %s at %s", s.Instance, s.Endpoint())
					out = append(out, s)
				}
			case <-ctx.Done():
				found <- out
				return
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	out := <-found
	glog.V(1).Infof("[discovery] mDNS browsing finished, %d found", len(out))
	return out, nil
}

func fromEntry(e *zeroconf.ServiceEntry) (Service, bool) {
	if e == nil {
		return Service{}, false
	}
	s := Service{Instance: e.Instance, Port: e.Port}
	switch {
	case len(e.AddrIPv4) > 0:
		s.Host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		s.Host = e.AddrIPv6[0].String()
	case e.HostName != "":
		s.Host = strings.TrimSuffix(e.HostName, ".")
	default:
		return s, false
	}
	s.Docs = parseDocs(e.Text)
	return s, true
}

func parseDocs(text []string) []string {
	var docs []string
	for _, t := range text {
		if d, ok := strings.CutPrefix(t, "doc="); ok && d != "" {
			docs = append(docs, d)
		}
	}
	return docs
}
