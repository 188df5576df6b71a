package vm

// This file implements every opcode handler named in opcodes.go, one
// function per instruction, each mirroring the corresponding exec* routine
// in the reference C++ VM. Every handler has the shape validate-then-mutate:
// no handler changes register, memory or flag state before every
// precondition for the instruction has been checked.

func readWordLE(buf []byte, at uint16) uint16 {
	return uint16(buf[at]) | uint16(buf[at+1])<<8
}

func writeWordLE(buf []byte, at uint16, v uint16) {
	buf[at] = byte(v)
	buf[at+1] = byte(v >> 8)
}

func (vm *VM) dataInBounds(addr uint16) bool {
	return uint32(addr)+2 < uint32(vm.as.DataSize())
}

func (vm *VM) canPush() bool {
	return uint32(vm.regs[SP])+2 < uint32(vm.as.StackSize())
}

func (vm *VM) canPop() bool {
	return vm.regs[SP] >= 2
}

// --- move ---

func execMOVI(vm *VM) bool {
	dst, imm, ok := vm.as.decodeRegImm(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) {
		return vm.fail(ErrInvalidRegister)
	}
	vm.regs[dst] = imm
	return true
}

func execMOVR(vm *VM) bool {
	dst, src, ok := vm.as.decodeRegReg(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) || !isWritableReg(src) {
		return vm.fail(ErrInvalidRegister)
	}
	vm.regs[dst] = vm.regs[src]
	return true
}

// --- load / store ---

func execLODI(vm *VM) bool {
	dst, addr, ok := vm.as.decodeRegImm(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) {
		return vm.fail(ErrInvalidRegister)
	}
	if !vm.dataInBounds(addr) {
		return vm.fail(ErrDataOutOfBounds)
	}
	vm.regs[dst] = readWordLE(vm.as.Data(), addr)
	return true
}

func execLODR(vm *VM) bool {
	dst, src, ok := vm.as.decodeRegReg(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) || !isWritableReg(src) {
		return vm.fail(ErrInvalidRegister)
	}
	addr := vm.regs[src]
	if !vm.dataInBounds(addr) {
		return vm.fail(ErrDataOutOfBounds)
	}
	vm.regs[dst] = readWordLE(vm.as.Data(), addr)
	return true
}

func execSTRI(vm *VM) bool {
	addr, src, ok := vm.as.decodeAddrReg(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(src) {
		return vm.fail(ErrInvalidRegister)
	}
	if !vm.dataInBounds(addr) {
		return vm.fail(ErrDataOutOfBounds)
	}
	writeWordLE(vm.as.Data(), addr, vm.regs[src])
	return true
}

func execSTRR(vm *VM) bool {
	dst, src, ok := vm.as.decodeRegReg(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) || !isWritableReg(src) {
		return vm.fail(ErrInvalidRegister)
	}
	addr := vm.regs[dst]
	if !vm.dataInBounds(addr) {
		return vm.fail(ErrDataOutOfBounds)
	}
	writeWordLE(vm.as.Data(), addr, vm.regs[src])
	return true
}

// --- arithmetic ---

func execADDI(vm *VM) bool { return regImmOp(vm, func(a, b uint16) uint16 { return a + b }) }
func execADDR(vm *VM) bool { return regRegOp(vm, func(a, b uint16) uint16 { return a + b }) }
func execSUBI(vm *VM) bool { return regImmOp(vm, func(a, b uint16) uint16 { return a - b }) }
func execSUBR(vm *VM) bool { return regRegOp(vm, func(a, b uint16) uint16 { return a - b }) }
func execMULI(vm *VM) bool { return regImmOp(vm, func(a, b uint16) uint16 { return a * b }) }
func execMULR(vm *VM) bool { return regRegOp(vm, func(a, b uint16) uint16 { return a * b }) }
func execANDW(vm *VM) bool { return regImmOp(vm, func(a, b uint16) uint16 { return a & b }) }
func execANDR(vm *VM) bool { return regRegOp(vm, func(a, b uint16) uint16 { return a & b }) }
func execYORW(vm *VM) bool { return regImmOp(vm, func(a, b uint16) uint16 { return a | b }) }
func execYORR(vm *VM) bool { return regRegOp(vm, func(a, b uint16) uint16 { return a | b }) }
func execXORW(vm *VM) bool { return regImmOp(vm, func(a, b uint16) uint16 { return a ^ b }) }
func execXORR(vm *VM) bool { return regRegOp(vm, func(a, b uint16) uint16 { return a ^ b }) }
func execSHLI(vm *VM) bool { return regImmOp(vm, func(a, b uint16) uint16 { return a << b }) }
func execSHLR(vm *VM) bool { return regRegOp(vm, func(a, b uint16) uint16 { return a << b }) }
func execSHRI(vm *VM) bool { return regImmOp(vm, func(a, b uint16) uint16 { return a >> b }) }
func execSHRR(vm *VM) bool { return regRegOp(vm, func(a, b uint16) uint16 { return a >> b }) }

func execNOTR(vm *VM) bool {
	dst, src, ok := vm.as.decodeRegReg(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) || !isWritableReg(src) {
		return vm.fail(ErrInvalidRegister)
	}
	vm.regs[dst] = ^vm.regs[src]
	return true
}

func execDIVI(vm *VM) bool {
	dst, imm, ok := vm.as.decodeRegImm(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) {
		return vm.fail(ErrInvalidRegister)
	}
	if imm == 0 {
		return vm.fail(ErrDivideByZero)
	}
	vm.regs[dst] /= imm
	return true
}

func execDIVR(vm *VM) bool {
	dst, src, ok := vm.as.decodeRegReg(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) || !isWritableReg(src) {
		return vm.fail(ErrInvalidRegister)
	}
	if vm.regs[src] == 0 {
		return vm.fail(ErrDivideByZero)
	}
	vm.regs[dst] /= vm.regs[src]
	return true
}

func regImmOp(vm *VM, op func(a, b uint16) uint16) bool {
	dst, imm, ok := vm.as.decodeRegImm(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) {
		return vm.fail(ErrInvalidRegister)
	}
	vm.regs[dst] = op(vm.regs[dst], imm)
	return true
}

func regRegOp(vm *VM, op func(a, b uint16) uint16) bool {
	dst, src, ok := vm.as.decodeRegReg(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) || !isWritableReg(src) {
		return vm.fail(ErrInvalidRegister)
	}
	vm.regs[dst] = op(vm.regs[dst], vm.regs[src])
	return true
}

// --- byte-immediate bitwise ---
//
// ANDB preserves the destination's high byte unconditionally (ANDing it
// with a zero-extended immediate would instead clear it). YORB and XORB
// don't need special-casing: operating the low byte against a zero high
// byte already leaves the destination's high byte untouched for both OR and
// XOR.

func execANDB(vm *VM) bool {
	dst, imm8, ok := vm.as.decodeRegByte(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) {
		return vm.fail(ErrInvalidRegister)
	}
	lo := byte(vm.regs[dst]) & imm8
	vm.regs[dst] = (vm.regs[dst] & 0xFF00) | uint16(lo)
	return true
}

func execYORB(vm *VM) bool { return regByteOp(vm, func(a uint16, b uint8) uint16 { return a | uint16(b) }) }
func execXORB(vm *VM) bool { return regByteOp(vm, func(a uint16, b uint8) uint16 { return a ^ uint16(b) }) }

func regByteOp(vm *VM, op func(a uint16, b uint8) uint16) bool {
	dst, imm8, ok := vm.as.decodeRegByte(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) {
		return vm.fail(ErrInvalidRegister)
	}
	vm.regs[dst] = op(vm.regs[dst], imm8)
	return true
}

// --- compare ---

func setCompareFlags(vm *VM, a, b uint16) {
	vm.flags.ZF = a == b
	vm.flags.CF = !(a > b)
}

func execCMPB(vm *VM) bool {
	dst, imm8, ok := vm.as.decodeRegByte(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) {
		return vm.fail(ErrInvalidRegister)
	}
	setCompareFlags(vm, uint16(byte(vm.regs[dst])), uint16(imm8))
	return true
}

func execCMPW(vm *VM) bool {
	dst, imm, ok := vm.as.decodeRegImm(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) {
		return vm.fail(ErrInvalidRegister)
	}
	setCompareFlags(vm, vm.regs[dst], imm)
	return true
}

func execCMPR(vm *VM) bool {
	dst, src, ok := vm.as.decodeRegReg(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(dst) || !isWritableReg(src) {
		return vm.fail(ErrInvalidRegister)
	}
	setCompareFlags(vm, vm.regs[dst], vm.regs[src])
	return true
}

// --- stack ---

func execPUSH(vm *VM) bool {
	reg, ok := vm.as.decodeRegOnly(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(reg) {
		return vm.fail(ErrInvalidRegister)
	}
	if !vm.canPush() {
		return vm.fail(ErrStackOverflow)
	}
	writeWordLE(vm.as.Stack(), vm.regs[SP], vm.regs[reg])
	vm.regs[SP] += 2
	return true
}

func execPOOP(vm *VM) bool {
	reg, ok := vm.as.decodeRegOnly(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(reg) {
		return vm.fail(ErrInvalidRegister)
	}
	if !vm.canPop() {
		return vm.fail(ErrStackUnderflow)
	}
	vm.regs[SP] -= 2
	vm.regs[reg] = readWordLE(vm.as.Stack(), vm.regs[SP])
	return true
}

// --- control flow ---

func execJMPI(vm *VM) bool {
	imm, ok := vm.as.decodeImmOnly(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	vm.regs[IP] = imm
	return true
}

func execJMPR(vm *VM) bool {
	reg, ok := vm.as.decodeRegOnly(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(reg) {
		return vm.fail(ErrInvalidRegister)
	}
	vm.regs[IP] = vm.regs[reg]
	return true
}

func condImmJump(vm *VM, length uint16, predicate bool) bool {
	imm, ok := vm.as.decodeImmOnly(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if predicate {
		vm.regs[IP] = imm
	} else {
		vm.regs[IP] += length
	}
	return true
}

// condRegJump implements the conditional register jumps. When the predicate
// holds it sets IP to the raw register-id operand byte, not to regs[reg] —
// this reproduces a bug in the reference implementation rather than the
// presumably-intended "jump to the address held in reg".
func condRegJump(vm *VM, length uint16, predicate bool) bool {
	reg, ok := vm.as.decodeRegOnly(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !isWritableReg(reg) {
		return vm.fail(ErrInvalidRegister)
	}
	if predicate {
		vm.regs[IP] = uint16(reg)
	} else {
		vm.regs[IP] += length
	}
	return true
}

func execJPAI(vm *VM) bool {
	return condImmJump(vm, 3, !vm.flags.CF && !vm.flags.ZF)
}
func execJPAR(vm *VM) bool {
	return condRegJump(vm, 2, !vm.flags.CF && !vm.flags.ZF)
}
func execJPBI(vm *VM) bool { return condImmJump(vm, 3, vm.flags.CF) }
func execJPBR(vm *VM) bool { return condRegJump(vm, 2, vm.flags.CF) }
func execJPEI(vm *VM) bool { return condImmJump(vm, 3, vm.flags.ZF) }
func execJPER(vm *VM) bool { return condRegJump(vm, 2, vm.flags.ZF) }
func execJPNI(vm *VM) bool { return condImmJump(vm, 3, !vm.flags.ZF) }
func execJPNR(vm *VM) bool { return condRegJump(vm, 2, !vm.flags.ZF) }

// --- call / return ---

func execCALL(vm *VM) bool {
	dst, ok := vm.as.decodeImmOnly(vm.regs[IP])
	if !ok {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	if !vm.canPush() {
		return vm.fail(ErrStackOverflow)
	}
	if uint32(vm.regs[IP])+3 >= uint32(vm.as.CodeSize()) {
		return vm.fail(ErrDecodeOutOfBounds)
	}
	vm.regs[RP] = vm.regs[IP] + 3
	writeWordLE(vm.as.Stack(), vm.regs[SP], vm.regs[RP])
	vm.regs[SP] += 2
	vm.regs[IP] = dst
	return true
}

// execRETN deliberately does not read the popped stack slot back into RP —
// it trusts RP still holds the value CALL wrote there, exactly like the
// reference. Nested CALLs beyond one level therefore corrupt RP.
func execRETN(vm *VM) bool {
	if !vm.canPop() {
		return vm.fail(ErrStackUnderflow)
	}
	vm.regs[SP] -= 2
	vm.regs[IP] = vm.regs[RP]
	return true
}

// --- miscellaneous ---

func execSHIT(vm *VM) bool {
	return vm.fail(ErrHalt)
}

func execNOPE(vm *VM) bool {
	return true
}

func execGRMN(vm *VM) bool {
	const fill = 0x4747
	vm.regs[R0] = fill
	vm.regs[R1] = fill
	vm.regs[R2] = fill
	vm.regs[R3] = fill
	vm.regs[S0] = fill
	vm.regs[S1] = fill
	vm.regs[S2] = fill
	vm.regs[S3] = fill
	return true
}

func execDEBG(vm *VM) bool {
	if vm.diagnostics {
		vm.diagLog.Printf("ip=0x%04x sp=0x%04x rp=0x%04x zf=%v cf=%v regs=%v",
			vm.regs[IP], vm.regs[SP], vm.regs[RP], vm.flags.ZF, vm.flags.CF, vm.regs[:S3+1])
	}
	return true
}
