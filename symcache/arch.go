package symcache

import (
	"strings"
)

// CPUFamily groups architectures that share an instruction set and pointer size.
type CPUFamily uint32

const (
	CPUFamilyUnknown CPUFamily = iota
	CPUFamilyIntel32
	CPUFamilyAmd64
	CPUFamilyArm32
	CPUFamilyArm64
	CPUFamilyPpc32
	CPUFamilyPpc64
	CPUFamilyMips32
	CPUFamilyMips64
	CPUFamilyArm64_32
)

// PointerSize returns the width of an address in bytes, or 0 if unknown.
func (f CPUFamily) PointerSize() int {
	switch f {
	case CPUFamilyAmd64, CPUFamilyArm64, CPUFamilyPpc64, CPUFamilyMips64, CPUFamilyArm64_32:
		return 8
	case CPUFamilyIntel32, CPUFamilyArm32, CPUFamilyPpc32, CPUFamilyMips32:
		return 4
	}
	return 0
}

// InstructionAlignment returns the minimum instruction width for fixed-width
// instruction sets, or 0 for variable-width ones (x86) and unknown families.
func (f CPUFamily) InstructionAlignment() uint64 {
	switch f {
	case CPUFamilyArm32:
		return 2
	case CPUFamilyArm64, CPUFamilyArm64_32, CPUFamilyPpc32, CPUFamilyMips32, CPUFamilyMips64:
		return 4
	case CPUFamilyPpc64:
		return 8
	}
	return 0
}

// IPRegisterName returns the name of the instruction pointer register as
// reported by Breakpad-style stack walkers.
func (f CPUFamily) IPRegisterName() string {
	switch f {
	case CPUFamilyIntel32:
		return "eip"
	case CPUFamilyAmd64:
		return "rip"
	case CPUFamilyArm32, CPUFamilyArm64, CPUFamilyArm64_32, CPUFamilyMips32, CPUFamilyMips64:
		return "pc"
	case CPUFamilyPpc32, CPUFamilyPpc64:
		return "srr0"
	}
	return ""
}

// Arch is a CPU architecture tag. The numeric values are stored in cache
// headers and must never change.
type Arch uint32

const (
	ArchUnknown         Arch = 0
	ArchX86             Arch = 101
	ArchX86Unknown      Arch = 199
	ArchAmd64           Arch = 201
	ArchAmd64h          Arch = 202
	ArchAmd64Unknown    Arch = 299
	ArchArm             Arch = 301
	ArchArmV5           Arch = 302
	ArchArmV6           Arch = 303
	ArchArmV6m          Arch = 304
	ArchArmV7           Arch = 305
	ArchArmV7f          Arch = 306
	ArchArmV7s          Arch = 307
	ArchArmV7k          Arch = 308
	ArchArmV7m          Arch = 309
	ArchArmV7em         Arch = 310
	ArchArmUnknown      Arch = 399
	ArchArm64           Arch = 401
	ArchArm64V8         Arch = 402
	ArchArm64e          Arch = 403
	ArchArm64Unknown    Arch = 499
	ArchPpc             Arch = 501
	ArchPpc64           Arch = 601
	ArchMips            Arch = 701
	ArchMips64          Arch = 801
	ArchArm64_32        Arch = 901
	ArchArm64_32V8      Arch = 902
	ArchArm64_32Unknown Arch = 999
)

type archInfo struct {
	name   string
	family CPUFamily
}

var archTable = map[Arch]archInfo{
	ArchUnknown:         {"unknown", CPUFamilyUnknown},
	ArchX86:             {"x86", CPUFamilyIntel32},
	ArchX86Unknown:      {"x86_unknown", CPUFamilyIntel32},
	ArchAmd64:           {"x86_64", CPUFamilyAmd64},
	ArchAmd64h:          {"x86_64h", CPUFamilyAmd64},
	ArchAmd64Unknown:    {"x86_64_unknown", CPUFamilyAmd64},
	ArchArm:             {"arm", CPUFamilyArm32},
	ArchArmV5:           {"armv5", CPUFamilyArm32},
	ArchArmV6:           {"armv6", CPUFamilyArm32},
	ArchArmV6m:          {"armv6m", CPUFamilyArm32},
	ArchArmV7:           {"armv7", CPUFamilyArm32},
	ArchArmV7f:          {"armv7f", CPUFamilyArm32},
	ArchArmV7s:          {"armv7s", CPUFamilyArm32},
	ArchArmV7k:          {"armv7k", CPUFamilyArm32},
	ArchArmV7m:          {"armv7m", CPUFamilyArm32},
	ArchArmV7em:         {"armv7em", CPUFamilyArm32},
	ArchArmUnknown:      {"arm_unknown", CPUFamilyArm32},
	ArchArm64:           {"arm64", CPUFamilyArm64},
	ArchArm64V8:         {"arm64v8", CPUFamilyArm64},
	ArchArm64e:          {"arm64e", CPUFamilyArm64},
	ArchArm64Unknown:    {"arm64_unknown", CPUFamilyArm64},
	ArchPpc:             {"ppc", CPUFamilyPpc32},
	ArchPpc64:           {"ppc64", CPUFamilyPpc64},
	ArchMips:            {"mips", CPUFamilyMips32},
	ArchMips64:          {"mips64", CPUFamilyMips64},
	ArchArm64_32:        {"arm64_32", CPUFamilyArm64_32},
	ArchArm64_32V8:      {"arm64_32_v8", CPUFamilyArm64_32},
	ArchArm64_32Unknown: {"arm64_32_unknown", CPUFamilyArm64_32},
}

// names accepted by ParseArch in addition to the canonical ones.
var archAliases = map[string]Arch{
	"i386":    ArchX86,
	"amd64":   ArchAmd64,
	"x86-64":  ArchAmd64,
	"arm-64":  ArchArm64,
	"aarch64": ArchArm64,
}

var archByName = func() map[string]Arch {
	m := make(map[string]Arch, len(archTable)+len(archAliases))
	for a, info := range archTable {
		m[info.name] = a
	}
	for name, a := range archAliases {
		m[name] = a
	}
	return m
}()

// ParseArch parses an architecture name case-insensitively. Unrecognized
// names yield an error of kind KindUnknownArchitecture.
func ParseArch(name string) (Arch, error) {
	if a, ok := archByName[strings.ToLower(name)]; ok {
		return a, nil
	}
	return ArchUnknown, unknownArchError(name)
}

// archFromValue maps a header value back to an Arch.
func archFromValue(v uint32) (Arch, bool) {
	a := Arch(v)
	_, ok := archTable[a]
	return a, ok
}

func (a Arch) String() string {
	if info, ok := archTable[a]; ok {
		return info.name
	}
	return "unknown"
}

func (a Arch) CPUFamily() CPUFamily {
	return archTable[a].family
}

// WellKnown reports whether the architecture is a concrete, recognized one.
func (a Arch) WellKnown() bool {
	switch a {
	case ArchUnknown, ArchX86Unknown, ArchAmd64Unknown, ArchArmUnknown, ArchArm64Unknown, ArchArm64_32Unknown:
		return false
	}
	_, ok := archTable[a]
	return ok
}

// addressSize is the width of addresses stored in the function index.
// Unknown architectures get the wide encoding.
func (a Arch) addressSize() int {
	if a.CPUFamily().PointerSize() == 4 {
		return 4
	}
	return 8
}

// addressMask truncates an address to the architecture's pointer width.
func (a Arch) addressMask() uint64 {
	if a.CPUFamily().PointerSize() == 4 {
		return 0xffffffff
	}
	return ^uint64(0)
}
