package vm

import "golang.org/x/crypto/sha3"

// Default segment sizes, used by New and NewWithCode. Custom sizes can be
// supplied through NewSized.
const (
	DefaultCodeSize  = 0x10000
	DefaultDataSize  = 0x10000
	DefaultStackSize = 0x10000
)

// AddressSpace owns the three independently sized, zero-initialized byte
// buffers a VM operates over. Once constructed, none of the three buffers
// are ever reallocated or resized.
type AddressSpace struct {
	code  []byte
	data  []byte
	stack []byte
}

// NewAddressSpace allocates the three segments at their default sizes.
func NewAddressSpace() *AddressSpace {
	return NewAddressSpaceSized(DefaultStackSize, DefaultCodeSize, DefaultDataSize)
}

// NewAddressSpaceSized allocates the three segments at the given sizes.
func NewAddressSpaceSized(stackSize, codeSize, dataSize uint32) *AddressSpace {
	return &AddressSpace{
		code:  make([]byte, codeSize),
		data:  make([]byte, dataSize),
		stack: make([]byte, stackSize),
	}
}

func insertBytes(dst, src []byte, n uint32) bool {
	if n > uint32(len(dst)) {
		return false
	}
	copy(dst[:n], src[:n])
	return true
}

// InsertCode copies the first n bytes of b into the code segment starting at
// offset 0. It fails (returning false, leaving the buffer unchanged) iff n
// exceeds the segment's size.
func (as *AddressSpace) InsertCode(b []byte, n uint32) bool { return insertBytes(as.code, b, n) }

// InsertData copies the first n bytes of b into the data segment starting at
// offset 0, with the same failure semantics as InsertCode.
func (as *AddressSpace) InsertData(b []byte, n uint32) bool { return insertBytes(as.data, b, n) }

// InsertStack copies the first n bytes of b into the stack segment starting
// at offset 0, with the same failure semantics as InsertCode.
func (as *AddressSpace) InsertStack(b []byte, n uint32) bool { return insertBytes(as.stack, b, n) }

// Code returns a mutable view of the code segment.
func (as *AddressSpace) Code() []byte { return as.code }

// Data returns a mutable view of the data segment.
func (as *AddressSpace) Data() []byte { return as.data }

// Stack returns a mutable view of the stack segment.
func (as *AddressSpace) Stack() []byte { return as.stack }

// CodeSize returns the immutable size of the code segment.
func (as *AddressSpace) CodeSize() uint32 { return uint32(len(as.code)) }

// DataSize returns the immutable size of the data segment.
func (as *AddressSpace) DataSize() uint32 { return uint32(len(as.data)) }

// StackSize returns the immutable size of the stack segment.
func (as *AddressSpace) StackSize() uint32 { return uint32(len(as.stack)) }

// VerifyChecksum reports whether the SHA3-256 digest of the first n bytes of
// the code segment matches want. Intended for a host to call before handing
// an untrusted bytecode blob to New/Run; it is not invoked by the core
// itself.
func (as *AddressSpace) VerifyChecksum(n uint32, want [32]byte) bool {
	if n > as.CodeSize() {
		return false
	}
	got := sha3.Sum256(as.code[:n])
	return got == want
}

func hasRoom(bufLen, at, n int) bool {
	return at >= 0 && n >= 0 && at+n <= bufLen
}

func (as *AddressSpace) readByteAt(at int) (byte, bool) {
	if !hasRoom(len(as.code), at, 1) {
		return 0, false
	}
	return as.code[at], true
}

func (as *AddressSpace) readWordAt(at int) (uint16, bool) {
	if !hasRoom(len(as.code), at, 2) {
		return 0, false
	}
	return uint16(as.code[at]) | uint16(as.code[at+1])<<8, true
}

// decodeRegReg reads the reg->reg form: a single operand byte at code[at+1]
// whose high nibble is the destination register id and whose low nibble is
// the source register id.
func (as *AddressSpace) decodeRegReg(at uint16) (dst, src uint8, ok bool) {
	b, ok := as.readByteAt(int(at) + 1)
	if !ok {
		return 0, 0, false
	}
	return b >> 4, b & 0x0F, true
}

// decodeRegImm reads the register-destination imm->reg form used by MOVI,
// LODI, ADDI, SUBI, ANDW, YORW, XORW, MULI, DIVI, SHLI, SHRI and CMPW: the
// destination register id byte at code[at+1], followed by a little-endian
// 16-bit immediate at code[at+2..at+3].
func (as *AddressSpace) decodeRegImm(at uint16) (dstReg uint8, imm uint16, ok bool) {
	dstReg, ok = as.readByteAt(int(at) + 1)
	if !ok {
		return 0, 0, false
	}
	imm, ok = as.readWordAt(int(at) + 2)
	if !ok {
		return 0, 0, false
	}
	return dstReg, imm, true
}

// decodeAddrReg reads STRI's address-destination form: a little-endian
// 16-bit address at code[at+1..at+2], followed by the source register id
// byte at code[at+3]. STRI is the only instruction whose "destination"
// operand is the 16-bit address rather than a register, which is why its
// physical field order is reversed relative to decodeRegImm even though both
// are nominally four bytes long.
func (as *AddressSpace) decodeAddrReg(at uint16) (addr uint16, srcReg uint8, ok bool) {
	addr, ok = as.readWordAt(int(at) + 1)
	if !ok {
		return 0, 0, false
	}
	srcReg, ok = as.readByteAt(int(at) + 3)
	if !ok {
		return 0, 0, false
	}
	return addr, srcReg, true
}

// decodeRegByte reads the byte->reg form used by ANDB, YORB, XORB and CMPB:
// the destination register id byte at code[at+1], followed by an 8-bit
// immediate at code[at+2].
func (as *AddressSpace) decodeRegByte(at uint16) (dstReg, imm8 uint8, ok bool) {
	dstReg, ok = as.readByteAt(int(at) + 1)
	if !ok {
		return 0, 0, false
	}
	imm8, ok = as.readByteAt(int(at) + 2)
	if !ok {
		return 0, 0, false
	}
	return dstReg, imm8, true
}

// decodeRegOnly reads the reg-only form: a single register id byte at
// code[at+1]. Used by PUSH, POOP, JMPR and the conditional register jumps.
func (as *AddressSpace) decodeRegOnly(at uint16) (reg uint8, ok bool) {
	return as.readByteAt(int(at) + 1)
}

// decodeImmOnly reads the imm-only form: a little-endian 16-bit immediate at
// code[at+1..at+2]. Used by JMPI, the conditional immediate jumps and CALL.
func (as *AddressSpace) decodeImmOnly(at uint16) (imm uint16, ok bool) {
	return as.readWordAt(int(at) + 1)
}
