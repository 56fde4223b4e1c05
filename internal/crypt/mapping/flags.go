package mapping

// Flags are the per-mapping bit flags tracking suspend/key/offload state.
type Flags uint32

const (
	FlagSuspended Flags = 1 << iota
	FlagKeyValid
	FlagSameCPU
	FlagNoOffload
	FlagAllowDiscards
	FlagIntegrityAEAD
	FlagIVLargeSectors
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }
