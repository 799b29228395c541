package certstore

import (
	"github.com/ushineko/netcert/internal/netid"
)

// DefaultLabel builds the human-readable label for a network provisioned
// from ip, e.g. "laptop - 192.168.1.x" or "laptop - localhost".
func DefaultLabel(instanceName, ip string) string {
	if netid.IsLoopback(ip) {
		return instanceName + " - localhost"
	}
	if subnet := netid.Subnet(ip); subnet != "" {
		return instanceName + " - " + subnet + ".x"
	}
	return instanceName + " - " + ip
}
