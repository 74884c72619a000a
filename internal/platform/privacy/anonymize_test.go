package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.77", "203.0.113.0"},
		{"10.1.2.0", "10.1.2.0"},
		{"127.0.0.1", "127.0.0.0"},
		{"::ffff:198.51.100.23", "198.51.100.0"},
		{"2001:db8:85a3:0000:0000:8a2e:0370:7334", "2001:db8:85a3::"},
		{"2001:db8:85a3::8a2e:370:7334", "2001:db8:85a3::"},
		{"fe80::1%eth0", "fe80::"},
		{"::1", "::"},
		{"", "unknown"},
		{"unknown", "unknown"},
		{"gateway.local", "invalid"},
		{"192.168.1", "invalid"},
		{"192.168.1.1:8080", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, AnonymizeIP(tt.in))
		})
	}
}

func TestAnonymizeIPGroupsByNetwork(t *testing.T) {
	for _, ip := range []string{"192.0.2.1", "192.0.2.128", "192.0.2.255"} {
		assert.Equal(t, "192.0.2.0", AnonymizeIP(ip), ip)
	}
	assert.NotEqual(t, AnonymizeIP("192.0.2.9"), AnonymizeIP("192.0.3.9"))
}

func TestAnonymizeRemoteAddr(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ipv4 with port", "203.0.113.9:51234", "203.0.113.0"},
		{"ipv6 with port", "[2001:db8:85a3::1]:443", "2001:db8:85a3::"},
		{"bare ipv4", "198.51.100.7", "198.51.100.0"},
		{"empty", "", "unknown"},
		{"pipe", "pipe", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AnonymizeRemoteAddr(tt.in))
		})
	}
}

func TestRemoteAttr(t *testing.T) {
	attr := RemoteAttr("203.0.113.9:1")
	assert.Equal(t, "remote", attr.Key)
	assert.Equal(t, "203.0.113.0", attr.Value.String())
}
