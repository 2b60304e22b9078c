package virtio

import "encoding/gob"

// Device snapshots travel through hv.DeviceSnapshot, which is an
// interface; gob needs the concrete types announced up front.
func init() {
	gob.Register(&bridgeSnapshot{})
}
