package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pasticciotto/vm"
)

func main() {
	var (
		key      string
		dataFile string
		checksum string
		maxSteps int
		debug    bool
	)

	rootCmd := &cobra.Command{
		Use:   "vmrun <bytecode-file>",
		Short: "Run a bytecode blob on a key-permuted VM and dump its final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			machine, err := vm.NewWithCode([]byte(key), code)
			if err != nil {
				return err
			}

			if checksum != "" {
				want, err := hex.DecodeString(checksum)
				if err != nil || len(want) != 32 {
					return fmt.Errorf("--checksum must be a 64-character hex SHA3-256 digest")
				}
				var digest [32]byte
				copy(digest[:], want)
				if !machine.AddressSpace().VerifyChecksum(uint32(len(code)), digest) {
					return fmt.Errorf("bytecode does not match --checksum")
				}
			}

			if dataFile != "" {
				data, err := os.ReadFile(dataFile)
				if err != nil {
					return err
				}
				if !machine.AddressSpace().InsertData(data, uint32(len(data))) {
					return fmt.Errorf("initial data of %d bytes exceeds the data segment", len(data))
				}
			}

			if debug {
				machine.EnableDiagnostics(os.Stderr)
			}

			var halt error
			if maxSteps > 0 {
				var steps int
				steps, halt = machine.RunSteps(maxSteps)
				if halt == nil {
					fmt.Printf("step budget of %d exhausted without a halt\n", maxSteps)
				} else {
					fmt.Printf("halted after %d steps: %v\n", steps, halt)
				}
			} else {
				halt = machine.Run()
				fmt.Printf("halted: %v\n", halt)
			}

			printState(machine)
			return nil
		},
	}

	rootCmd.Flags().StringVar(&key, "key", "", "Opcode-permutation key (must match the assembler's)")
	rootCmd.Flags().StringVar(&dataFile, "data", "", "Optional file loaded into the data segment before running")
	rootCmd.Flags().StringVar(&checksum, "checksum", "", "Optional hex SHA3-256 digest the bytecode must match")
	rootCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Stop after this many instructions (0 = run until halt)")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Write DEBG and unknown-opcode diagnostics to stderr")
	_ = rootCmd.MarkFlagRequired("key")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printState(machine *vm.VM) {
	for _, id := range []vm.RegID{vm.R0, vm.R1, vm.R2, vm.R3, vm.S0, vm.S1, vm.S2, vm.S3, vm.IP, vm.SP, vm.RP} {
		v, err := machine.Reg(id)
		if err != nil {
			continue
		}
		fmt.Printf("%s:\t0x%04x\n", id, v)
	}
	f := machine.Flags()
	fmt.Printf("Flags:\tZF = %d, CF = %d\n", b2i(f.ZF), b2i(f.CF))
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
