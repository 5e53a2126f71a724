package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/require"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
)

func TestInstanceName(t *testing.T) {
	got := instanceName("alice", net.ParseIP("192.168.1.7"))
	require.Equal(t, "alice_at_192_168_1_7", got)
}

func TestParseTXT(t *testing.T) {
	fields := parseTXT([]string{"user_id=bob", "display_name=Bob Example", "malformed"})
	require.Equal(t, "bob", fields["user_id"])
	require.Equal(t, "Bob Example", fields["display_name"])
	require.NotContains(t, fields, "malformed")
}

func TestHandleEntryDefaultsDisplayNameToUserID(t *testing.T) {
	d := &Discovery{
		registry: peerreg.New(),
		selfID:   "alice",
		logger:   func(string, ...any) {},
	}
	d.handleEntry(&mdns.ServiceEntry{
		InfoFields: []string{"user_id=bob"},
		AddrV4:     net.ParseIP("192.168.1.9"),
		Port:       50999,
	})

	p, ok := d.registry.LookupFull("bob@192.168.1.9")
	require.True(t, ok)
	require.Equal(t, "bob", p.DisplayName)
}

func TestHandleEntryKeepsExplicitDisplayName(t *testing.T) {
	d := &Discovery{
		registry: peerreg.New(),
		selfID:   "alice",
		logger:   func(string, ...any) {},
	}
	d.handleEntry(&mdns.ServiceEntry{
		InfoFields: []string{"user_id=bob", "display_name=Bob Example"},
		AddrV4:     net.ParseIP("192.168.1.9"),
		Port:       50999,
	})

	p, ok := d.registry.LookupFull("bob@192.168.1.9")
	require.True(t, ok)
	require.Equal(t, "Bob Example", p.DisplayName)
}
