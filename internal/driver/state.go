package driver

// State is the attach/detach lifecycle of a device.
type State int

const (
	StateUnattached State = iota
	StateMMIOMapped
	StateBufferReady
	StateDMAReady
	StateAttached
	StateDetaching
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateMMIOMapped:
		return "mmio-mapped"
	case StateBufferReady:
		return "buffer-ready"
	case StateDMAReady:
		return "dma-ready"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	default:
		return "unknown"
	}
}

// TransferState tracks the single outstanding DMA transfer of a device.
type TransferState int

const (
	TransferIdle TransferState = iota
	TransferSubmitted
	TransferCompleted
)

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "idle"
	case TransferSubmitted:
		return "submitted"
	case TransferCompleted:
		return "completed"
	default:
		return "unknown"
	}
}
