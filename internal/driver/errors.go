package driver

import "errors"

var (
	// ErrDeviceEnable aborts attach when the bus cannot enable the function.
	ErrDeviceEnable = errors.New("driver: device enable failed")
	// ErrRegionMap aborts attach when the MMIO BAR cannot be reserved or mapped.
	ErrRegionMap = errors.New("driver: region map failed")
	// ErrRegistration aborts attach when the endpoint cannot be registered.
	ErrRegistration = errors.New("driver: endpoint registration failed")
	// ErrDMAUnavailable is logged, never returned from attach: the device
	// falls back to direct copies.
	ErrDMAUnavailable = errors.New("driver: dma unavailable")
	// ErrNotReady is returned by reads and writes on a device that is not attached.
	ErrNotReady = errors.New("driver: device not ready")
	// ErrTransferFault is returned when a transfer or the delivery of its bytes fails.
	ErrTransferFault = errors.New("driver: transfer fault")
	// ErrTransferTimeout is returned when a DMA transfer does not complete in time.
	ErrTransferTimeout = errors.New("driver: transfer timeout")
)
