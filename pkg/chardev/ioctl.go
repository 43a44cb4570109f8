package chardev

// IoctlHandler services one ioctl command.
type IoctlHandler func(arg uint64) error

// RegisterIoctl installs a handler for cmd. Registration must happen before
// the device starts serving sessions; the dispatch table is read without
// synchronization afterwards. No commands are registered by default.
func (d *Device) RegisterIoctl(cmd uint32, h IoctlHandler) {
	if d.ioctl == nil {
		d.ioctl = make(map[uint32]IoctlHandler)
	}
	d.ioctl[cmd] = h
}

// Ioctl dispatches a device control command. Unregistered commands succeed
// as no-ops for any argument.
func (d *Device) Ioctl(cmd uint32, arg uint64) error {
	internalLogger.Tracef("ioctl request: cmd=0x%x, arg=%d", cmd, arg)
	if h, ok := d.ioctl[cmd]; ok {
		return h(arg)
	}
	return nil
}
