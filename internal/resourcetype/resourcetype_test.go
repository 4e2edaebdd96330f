package resourcetype

import "testing"

func TestFromEventType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		eventType string
		want      Type
	}{
		{"compute.instance.create.start", Server},
		{"compute.instance.update", Server},
		{"compute.keypair.create", Keypair},
		{"volume.create.start", Volume},
		{"volume.snapshot.create.start", Snapshot},
		{"volume.backup.create.start", Backup},
		{"network.floatingip.create.end", FloatingIP},
		{"network.create.end", Network},
		{"port.create.end", Port},
		{"subnet.create.end", Subnet},
		{"router.create.end", Router},
		{"image.update", Image},
		{"orchestration.stack.create.end", Stack},
		{"identity.project.created", Project},
		{"identity.user.created", User},
		{"identity.role.created", Role},
		{"dns.zone.create", DNSZone},
		{"dns.recordset.create", DNSRecordSet},
		{"sahara.cluster.create", Unknown},
		{"", Unknown},
		{"totally.unrecognised.event", Unknown},
	}

	for _, tc := range cases {
		if got := FromEventType(tc.eventType); got != tc.want {
			t.Errorf("FromEventType(%q) = %v, want %v", tc.eventType, got, tc.want)
		}
	}
}

func TestFromEventType_LongestPrefixWins(t *testing.T) {
	t.Parallel()
	// "network.floatingip.*" must win over the shorter "network." prefix
	// even though both match.
	if got := FromEventType("network.floatingip.associate"); got != FloatingIP {
		t.Errorf("got %v, want FloatingIP (longest-prefix match)", got)
	}
	if got := FromEventType("network.create.start"); got != Network {
		t.Errorf("got %v, want Network", got)
	}
	// Same for volume vs volume.snapshot/volume.backup.
	if got := FromEventType("volume.snapshot.update"); got != Snapshot {
		t.Errorf("got %v, want Snapshot", got)
	}
	if got := FromEventType("volume.update"); got != Volume {
		t.Errorf("got %v, want Volume", got)
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	if got := Server.String(); got != "server" {
		t.Errorf("Server.String() = %q, want %q", got, "server")
	}
	if got := Unknown.String(); got != "unknown" {
		t.Errorf("Unknown.String() = %q, want %q", got, "unknown")
	}
	if got := Type(9999).String(); got != "unknown" {
		t.Errorf("out-of-range Type.String() = %q, want fallback %q", got, "unknown")
	}
}

func TestPrefix(t *testing.T) {
	t.Parallel()
	if got := Server.Prefix(); got != "compute.instance" {
		t.Errorf("Server.Prefix() = %q, want %q", got, "compute.instance")
	}
	if got := Unknown.Prefix(); got != "" {
		t.Errorf("Unknown.Prefix() = %q, want empty", got)
	}
}
