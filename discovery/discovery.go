// Package discovery implements LSNP peer discovery (spec.md §4.4) over
// mDNS: this peer is advertised as a `_lsnp._udp` service carrying
// `user_id`/`display_name` TXT fields, and a periodic query observes the
// same service type, upserting every peer it finds into the peer
// registry. No Go repository in the retrieval pack performs literal LAN
// mDNS (the nearest relative, GoHush, does libp2p DHT rendezvous
// instead), so this package binds directly to hashicorp/mdns, the
// ecosystem's standard implementation of the same zeroconf behavior.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
)

// serviceType and pollInterval are fixed by spec.md §6/§4.4.
const (
	serviceType  = "_lsnp._udp"
	pollInterval = 5 * time.Second
	queryWindow  = 2 * time.Second
)

// Discovery owns the mDNS advertise server and the observe loop; its
// only external side effect is writing into the peer registry
// (spec.md §4.4's ownership note).
type Discovery struct {
	server   *mdns.Server
	registry *peerreg.Registry
	selfID   string
	logger   func(format string, args ...any)

	stop chan struct{}
	done chan struct{}
}

// New advertises userID/displayName on listenPort/ip and prepares the
// observe loop. Call Start to begin observing.
func New(registry *peerreg.Registry, userID, displayName string, listenPort int, ip net.IP, logger func(format string, args ...any)) (*Discovery, error) {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	instance := instanceName(userID, ip)
	host := instance + "." + serviceType + ".local."

	svc, err := mdns.NewMDNSService(instance, serviceType, "", host, listenPort, []net.IP{ip}, []string{
		"user_id=" + userID,
		"display_name=" + displayName,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: build service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("discovery: start server: %w", err)
	}

	return &Discovery{
		server:   server,
		registry: registry,
		selfID:   userID,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// instanceName builds the "<user_id>_at_<ip-with-dots-as-underscores>"
// instance name fixed by spec.md §6.
func instanceName(userID string, ip net.IP) string {
	dotted := strings.ReplaceAll(ip.String(), ".", "_")
	return fmt.Sprintf("%s_at_%s", userID, dotted)
}

// Start begins the periodic observe loop in the background.
func (d *Discovery) Start() {
	go d.observeLoop()
}

// Close stops observing and tears down the advertised service.
func (d *Discovery) Close() {
	close(d.stop)
	<-d.done
	d.server.Shutdown()
}

func (d *Discovery) observeLoop() {
	defer close(d.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	d.queryOnce()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.queryOnce()
		}
	}
}

func (d *Discovery) queryOnce() {
	entries := make(chan *mdns.ServiceEntry, 32)
	go func() {
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	params := &mdns.QueryParam{
		Service: serviceType,
		Domain:  "local",
		Timeout: queryWindow,
		Entries: entries,
	}
	if err := mdns.Query(params); err != nil {
		d.logger("discovery: query failed: %v", err)
	}
	close(entries)
}

// handleEntry upserts a discovered peer. Update/removal events are not
// distinguished from fresh discovery — a resolved entry is always just
// upserted (spec.md §4.4: "acknowledged but have no effect").
func (d *Discovery) handleEntry(entry *mdns.ServiceEntry) {
	fields := parseTXT(entry.InfoFields)
	userID := fields["user_id"]
	if userID == "" || userID == d.selfID {
		return
	}
	ip := entry.AddrV4
	if ip == nil {
		ip = entry.AddrV6
	}
	if ip == nil {
		return
	}

	displayName := fields["display_name"]
	if displayName == "" {
		displayName = userID
	}

	fullID := peerreg.FullID(userID + "@" + ip.String())
	d.registry.Upsert(peerreg.Peer{
		UserID:      fullID,
		DisplayName: displayName,
		IP:          ip.String(),
		Port:        uint16(entry.Port),
	})
}

func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		idx := strings.IndexByte(f, '=')
		if idx < 0 {
			continue
		}
		out[f[:idx]] = f[idx+1:]
	}
	return out
}
