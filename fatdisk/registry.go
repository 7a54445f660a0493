package fatdisk

// Drive-number registry. FAT disk I/O conventions address media by a
// small integer drive number; hosts register each adapter under one so
// the library's dispatch layer can find it.

var deviceMap = make(map[uint8]BlockDevice)

// Register associates a BlockDevice with a drive number, replacing any
// previous registration.
func Register(drive uint8, dev BlockDevice) {
	deviceMap[drive] = dev
}

// Unregister removes a drive number.
func Unregister(drive uint8) {
	delete(deviceMap, drive)
}

// Get looks up the device for a drive number.
func Get(drive uint8) (BlockDevice, bool) {
	dev, ok := deviceMap[drive]
	return dev, ok
}
