// Package vm implements the core of a register-based virtual machine whose
// opcode byte values are obfuscated per instance by a key-derived
// permutation (see opcodes.go). It owns a segregated code/data/stack
// address space (addrspace.go), a fixed register file (registers.go) and a
// fetch-decode-execute loop (this file) dispatching to one handler per
// opcode (exec.go).
package vm

import (
	"fmt"
	"io"
	"log"
)

// VM is the single owning composite: address space, registers and flags
// live behind one mutable receiver, so handlers never have to reason about
// aliasing between the loop and the state it mutates.
type VM struct {
	as    *AddressSpace
	regs  [NumRegs]uint16
	flags Flags

	table []opcodeDescriptor
	index map[byte]*opcodeDescriptor

	diagnostics bool
	diagLog     *log.Logger

	err error
}

// New constructs a VM with default segment sizes and an empty code segment,
// with its opcode table permuted from key.
func New(key []byte) *VM {
	return NewSized(key, DefaultStackSize, DefaultCodeSize, DefaultDataSize)
}

// NewSized constructs a VM with custom segment sizes.
func NewSized(key []byte, stackSize, codeSize, dataSize uint32) *VM {
	vm := &VM{
		as:    NewAddressSpaceSized(stackSize, codeSize, dataSize),
		table: newOpcodeTable(key),
	}
	vm.buildIndex()
	return vm
}

// NewWithCode constructs a VM with default segment sizes and loads code into
// the code segment at offset 0. It fails if code is larger than the default
// code segment.
func NewWithCode(key, code []byte) (*VM, error) {
	machine := New(key)
	if !machine.as.InsertCode(code, uint32(len(code))) {
		return nil, fmt.Errorf("vm: code of %d bytes exceeds code segment of %d bytes", len(code), machine.as.CodeSize())
	}
	return machine, nil
}

func (vm *VM) buildIndex() {
	vm.index = make(map[byte]*opcodeDescriptor, len(vm.table))
	for i := range vm.table {
		vm.index[vm.table[i].value] = &vm.table[i]
	}
}

// AddressSpace returns the VM's address space handle.
func (vm *VM) AddressSpace() *AddressSpace { return vm.as }

// Reg returns the value of register id, failing if id names no register.
func (vm *VM) Reg(id RegID) (uint16, error) {
	if !isRegValid(uint8(id)) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRegister, id)
	}
	return vm.regs[id], nil
}

// Flags returns the current condition flags.
func (vm *VM) Flags() Flags { return vm.flags }

// EnableDiagnostics turns on DEBG output, written to w. Diagnostics are off
// by default; this is a runtime switch, not a build-time one, so the opcode
// table's length is the same whether or not a host ever calls this.
func (vm *VM) EnableDiagnostics(w io.Writer) {
	vm.diagnostics = true
	vm.diagLog = log.New(w, "vm: ", 0)
}

func (vm *VM) fail(err error) bool {
	vm.err = err
	return false
}

// Step executes exactly one instruction and reports how it went: a nil
// error means the instruction completed and execution may continue: any
// other value is one of the sentinel errors in errors.go and means the VM
// has halted.
func (vm *VM) Step() error {
	ip := vm.regs[IP]
	opByte, ok := vm.as.readByteAt(int(ip))
	if !ok {
		return ErrDecodeOutOfBounds
	}

	desc, ok := vm.index[opByte]
	if !ok {
		if vm.diagnostics {
			vm.diagLog.Printf("unknown opcode 0x%02x at ip=0x%04x", opByte, ip)
		}
		return fmt.Errorf("%w: 0x%02x at ip=0x%04x", ErrUnknownOpcode, opByte, ip)
	}

	if !desc.exec(vm) {
		return vm.err
	}
	if !desc.isJump {
		vm.regs[IP] += uint16(desc.length)
	}
	return nil
}

// Run executes instructions until the VM halts, returning the halting
// error. There is no natural end of program: a program must either issue
// SHIT or run off a bounds check to stop.
func (vm *VM) Run() error {
	for {
		if err := vm.Step(); err != nil {
			return err
		}
	}
}

// RunSteps executes at most max instructions, stopping early with a nil
// error (and the number of instructions actually executed) if the budget
// runs out before a halt. Hosts that need to time-bound execution can call
// this in place of Run.
func (vm *VM) RunSteps(max int) (steps int, err error) {
	for steps = 0; steps < max; steps++ {
		if err := vm.Step(); err != nil {
			return steps, err
		}
	}
	return steps, nil
}
