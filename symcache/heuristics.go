package symcache

// Signals that indicate a fault at the instruction pointer.
const (
	sigILL  = 4
	sigBUS  = 10
	sigSEGV = 11
)

// InstructionInfo carries what is known about a stack frame and computes the
// address that should be looked up for it.
//
// Frames other than the crashing one hold return addresses, which point to
// the instruction after the call. Looking those up directly attributes the
// frame to whatever follows the call site, so they are moved back by one
// instruction.
type InstructionInfo struct {
	Address uint64
	Arch    Arch
	// CrashingFrame is set for the topmost frame of the crashing thread, or
	// the suspended frame of other threads.
	CrashingFrame bool
	// Signal is the signal number that caused the crash, 0 if unknown.
	Signal uint32
	// IPRegister is the value of the instruction pointer register. Zero means
	// the register is unknown; a real instruction pointer of 0 cannot be told
	// apart from an absent one and never triggers an adjustment.
	IPRegister uint64
}

// AlignedAddress rounds the address down to the instruction alignment of the
// architecture. Variable width instruction sets are left as is.
func (i *InstructionInfo) AlignedAddress() uint64 {
	if alignment := i.Arch.CPUFamily().InstructionAlignment(); alignment > 0 {
		return i.Address - i.Address%alignment
	}
	return i.Address
}

// PreviousAddress returns the start of the instruction preceding the aligned
// address. On MIPS return addresses point two instructions past the call.
// The result saturates at 0.
func (i *InstructionInfo) PreviousAddress() uint64 {
	family := i.Arch.CPUFamily()
	size := family.InstructionAlignment()
	if size == 0 {
		size = 1
	}
	if family == CPUFamilyMips32 || family == CPUFamilyMips64 {
		size *= 2
	}
	aligned := i.AlignedAddress()
	if aligned < size {
		return 0
	}
	return aligned - size
}

func (i *InstructionInfo) IsCrashSignal() bool {
	switch i.Signal {
	case sigILL, sigBUS, sigSEGV:
		return true
	}
	return false
}

// ShouldAdjustCaller reports whether the address is a return address.
//
// The crashing frame normally holds the faulting instruction itself. KSCrash
// however removes the signal handler frame for some signals, leaving a return
// address on top; this is detected by an instruction pointer register that
// disagrees with the frame address. A zero IPRegister counts as absent, so such
// a crashing frame is left as is.
func (i *InstructionInfo) ShouldAdjustCaller() bool {
	if !i.CrashingFrame {
		return true
	}
	return i.IPRegister != 0 && i.IPRegister != i.Address && i.IsCrashSignal()
}

// CallerAddress is the address to look up for this frame, truncated to the
// pointer width of the architecture.
func (i *InstructionInfo) CallerAddress() uint64 {
	addr := i.Address
	if i.ShouldAdjustCaller() {
		addr = i.PreviousAddress()
	}
	return addr & i.Arch.addressMask()
}

// CorrectInstruction computes the address to look up for a frame. The
// architecture must be known; callers that cannot provide one should use
// FindBestInstruction. Pass 0 as ipRegister when the register is unknown.
func CorrectInstruction(addr uint64, arch string, crashingFrame bool, signal uint32, ipRegister uint64) (uint64, error) {
	a, err := ParseArch(arch)
	if err != nil {
		return 0, err
	}
	if a == ArchUnknown {
		return 0, unknownArchError(arch)
	}
	info := InstructionInfo{
		Address:       addr,
		Arch:          a,
		CrashingFrame: crashingFrame,
		Signal:        signal,
		IPRegister:    ipRegister,
	}
	return info.CallerAddress(), nil
}

// FindBestInstruction is CorrectInstruction falling back to the raw address
// when the architecture is not recognized. As there, an ipRegister of 0 means
// the register is unknown.
func FindBestInstruction(addr uint64, arch string, crashingFrame bool, signal uint32, ipRegister uint64) uint64 {
	corrected, err := CorrectInstruction(addr, arch, crashingFrame, signal, ipRegister)
	if err != nil {
		return addr
	}
	return corrected
}
