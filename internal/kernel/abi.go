package kernel

// Operation codes understood by every backend. The values are the kernel's
// IOCB_CMD_PREAD and IOCB_CMD_PWRITE.
const (
	OpPread  uint16 = 0
	OpPwrite uint16 = 1
)

// IOCB mirrors the kernel's struct iocb (64 bytes). Data is opaque to the
// kernel and comes back unchanged in Event.Data.
type IOCB struct {
	Data      uint64
	Key       uint32
	RwFlags   uint32
	Opcode    uint16
	ReqPrio   int16
	Fd        uint32
	Buf       uint64
	Nbytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFd     uint32
}

// Reset clears every field so the block can be reused for a new request.
func (cb *IOCB) Reset() {
	*cb = IOCB{}
}

// Event mirrors the kernel's struct io_event (32 bytes). Res is the byte count
// on success or a negated errno.
type Event struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}
