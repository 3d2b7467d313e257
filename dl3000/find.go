package dl3000

import (
	"github.com/sirupsen/logrus"
)

// Device is a discovered load with its channel still open.
type Device struct {
	Resource string
	Identity Identity
	Conn     Conn
}

// Find opens every resource and keeps the ones that identify as a DL3000.
// Channels that fail to open or answer with another identity are closed and skipped.
func Find(resources []string, open func(resource string) (Conn, error), log logrus.FieldLogger) []Device {
	devices := []Device{}
	for _, resource := range resources {
		conn, err := open(resource)
		if err != nil {
			log.Debugf("Skipping %s: %v", resource, err)
			continue
		}
		idn, err := conn.Query(cmdIdentify)
		if err != nil {
			log.Debugf("Skipping %s: %v", resource, err)
			conn.Close()
			continue
		}
		id := ParseIdentity(idn)
		if !id.IsDL3000() {
			log.Debugf("Skipping %s: '%s' is not a DL3000", resource, id.Raw)
			conn.Close()
			continue
		}
		devices = append(devices, Device{Resource: resource, Identity: id, Conn: conn})
	}
	return devices
}
