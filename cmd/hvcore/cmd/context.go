/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/arch/amd64"
	"github.com/blacktop/go-hvcore/arch/arm64"
	"github.com/blacktop/go-hvcore/cpumask"
	"github.com/blacktop/go-hvcore/memory"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var ctxCPUs int

func init() {
	rootCmd.AddCommand(contextCmd)
	contextCmd.Flags().IntVarP(&ctxCPUs, "cpus", "c", 1, "Number of logical CPUs to run the cycle on")
}

type contextResult struct {
	Arch     string   `json:"arch"`
	CPU      int      `json:"cpu"`
	Capture  []string `json:"capture"`
	Restore  []string `json:"restore"`
	Diff     []string `json:"diff"`
	ReturnPC string   `json:"return_pc"`
	ReturnSP string   `json:"return_sp"`
}

type contextReport struct {
	CPUs     []*contextResult `json:"cpus"`
	Restored string           `json:"restored"`
	Metrics  hvcore.Metrics   `json:"metrics"`
}

var contextCmd = &cobra.Command{
	Use:     "context",
	Aliases: []string{"ctx"},
	Short:   "Capture and restore a simulated kernel context",
	Long: `Run one capture/restore cycle on each of --cpus simulated CPUs holding a
typical Linux kernel state, print the instructions each half issues, and
compare the register state after restore with the state before capture.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ctxCPUs < 1 {
			return fmt.Errorf("invalid --cpus %d", ctxCPUs)
		}
		if err := cpumask.CheckMaxCPUs(ctxCPUs); err != nil {
			return err
		}
		hvcore.ResetMetrics()

		var (
			report   contextReport
			restored cpumask.CpuMask
		)
		for id := range ctxCPUs {
			var (
				res *contextResult
				err error
			)
			if archName == "arm64" {
				res, err = arm64RoundTrip(id)
			} else {
				res, err = amd64RoundTrip(id)
			}
			if err != nil {
				return fmt.Errorf("cpu %d: %w", id, err)
			}
			if len(res.Diff) == 0 {
				restored.SetCPU(id)
			}
			report.CPUs = append(report.CPUs, res)
		}
		report.Restored = restored.String()
		report.Metrics = hvcore.GetMetrics()

		if jsonOut {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			fmt.Println(string(out))
		} else {
			for _, res := range report.CPUs {
				printContext(res)
			}
			fmt.Printf("restored exactly: %s\n", report.Restored)
		}
		if n := restored.Count(); n != ctxCPUs {
			return fmt.Errorf("%d of %d CPUs differ after restore", ctxCPUs-n, ctxCPUs)
		}
		return nil
	},
}

func arm64RoundTrip(id int) (*contextResult, error) {
	const linuxSP = 0xffff_8000_1000_0f00

	m := arm64.NewSimMachine()
	for r := range arm64.NumSysRegs {
		m.Regs[r] = 0xffff_0000_0000_0000 | uint64(r)<<12
	}
	saved := make([]uint64, arm64.SavedLinuxRegs)
	for i := range saved {
		saved[i] = 0xffff_8000_0800_0000 + uint64(i)*8
	}
	m.StoreWords(linuxSP, saved...)
	before := m.Snapshot()

	arena, err := memory.NewArena(0x4000_0000, 8)
	if err != nil {
		return nil, err
	}
	defer arena.Close()
	pt, err := arm64.NewS1PageTable(arena, m)
	if err != nil {
		return nil, err
	}
	defer pt.Destroy()
	if err := pt.MapRegion(0xffff_ff00_0000_0000, 0x4000_0000, 0x20_0000, memory.Read|memory.Write|memory.Execute); err != nil {
		return nil, err
	}

	cpu := arm64.NewCPU(id, m)
	if _, err := cpu.Capture(linuxSP, &arm64.HostState{
		HCR:       1<<31 | 1, // RW, VM
		TCR:       0x8081_3510,
		SCTLR:     0x30c5_183d,
		PageTable: pt,
	}); err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	res := &contextResult{Arch: "arm64", CPU: id, Capture: m.ResetTrace()}
	cpu.Restore(nil)
	res.Restore = m.ResetTrace()

	after := m.Snapshot()
	for r := range arm64.NumSysRegs {
		if before[r] != after[r] {
			res.Diff = append(res.Diff, fmt.Sprintf("%v: %#x != %#x", arm64.SysReg(r), before[r], after[r]))
		}
	}
	if ret := m.Returned; ret != nil {
		res.ReturnPC = fmt.Sprintf("%#x", ret.PC)
		res.ReturnSP = fmt.Sprintf("%#x", ret.SP)
	}
	return res, nil
}

func amd64RoundTrip(id int) (*contextResult, error) {
	const (
		kernelGDT = 0xffff_fe00_0000_1000
		kernelTSS = 0xffff_fe00_0000_3000
		hvGDT     = 0xffff_ff00_0010_0000
		hvTSS     = 0xffff_ff00_0011_0000
		linuxRSP  = 0xffff_c900_0001_3f00
		tssIndex  = 16
	)

	m := amd64.NewSimMachine()
	gdt := make([]uint64, amd64.GDTEntries)
	gdt[2] = 0x00af_9b00_0000_ffff // __KERNEL_CS
	gdt[3] = 0x00cf_9300_0000_ffff // __KERNEL_DS
	lo, hi := amd64.TSSDescriptor(kernelTSS, 0x206f)
	gdt[tssIndex] = lo | 1<<41 // busy
	gdt[tssIndex+1] = hi
	m.StoreWords(kernelGDT, gdt...)

	m.State.GDTR = amd64.DescriptorTablePointer{Limit: amd64.GDTEntries*8 - 1, Base: kernelGDT}
	m.State.IDTR = amd64.DescriptorTablePointer{Limit: 0xfff, Base: 0xffff_fe00_0000_0000}
	m.State.TR = amd64.NewSelector(tssIndex, 0)
	m.State.Seg[amd64.CS] = amd64.NewSelector(2, 0)
	m.State.Seg[amd64.SS] = amd64.NewSelector(3, 0)
	m.State.CR[amd64.CR0] = amd64.CR0PE | amd64.CR0PG | 0x5_0032
	m.State.CR[amd64.CR3] = 0x1_2345_602a
	m.State.CR[amd64.CR4] = amd64.CR4PAE | amd64.CR4PCIDE | amd64.CR4OSXSAVE | 0x6b0
	m.State.MSR[amd64.IA32_PAT] = 0x0407_0506_0007_0106
	m.State.MSR[amd64.IA32_EFER] = amd64.EFERSCE | amd64.EFERLME | amd64.EFERLMA | amd64.EFERNXE
	m.State.MSR[amd64.IA32_LSTAR] = 0xffff_ffff_81a0_0080
	m.State.MSR[amd64.IA32_GS_BASE] = 0xffff_8882_37c0_0000
	m.StoreWords(linuxRSP, 15, 14, 13, 12, 0xb0b, linuxRSP+0x80, 0xffff_ffff_c0de_0042)
	before := m.Snapshot()

	hv, err := amd64.NewGDT(m, hvGDT, hvTSS)
	if err != nil {
		return nil, err
	}
	arena, err := memory.NewArena(0x4000_0000, 8)
	if err != nil {
		return nil, err
	}
	defer arena.Close()
	pt, err := amd64.NewPageTable(arena, m)
	if err != nil {
		return nil, err
	}
	defer pt.Destroy()
	if err := pt.MapRegion(0xffff_ff00_0000_0000, 0x4000_0000, 0x20_0000, memory.Read|memory.Write|memory.Execute); err != nil {
		return nil, err
	}

	cpu := amd64.NewCPU(id, m, hv)
	if _, err := cpu.Capture(linuxRSP, &amd64.HostState{
		IDT:       amd64.DescriptorTablePointer{Limit: 0xfff, Base: 0xffff_ff00_0012_0000},
		CR4Set:    amd64.CR4VMXE,
		PageTable: pt,
	}); err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	res := &contextResult{Arch: "amd64", CPU: id, Capture: m.ResetTrace()}
	cpu.Restore(nil)
	res.Restore = m.ResetTrace()

	res.Diff = append(before.Diff(m.Snapshot()), m.Faults...)
	if ret := m.Returned; ret != nil {
		res.ReturnPC = fmt.Sprintf("%#x", ret.RIP)
		res.ReturnSP = fmt.Sprintf("%#x", ret.RSP)
	}
	return res, nil
}

func printContext(r *contextResult) {
	hdr := color.New(color.Bold).SprintFunc()
	insn := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("%s cpu%d\n", r.Arch, r.CPU)
	fmt.Println(hdr("capture:"))
	for _, s := range r.Capture {
		fmt.Printf("  %s\n", insn(s))
	}
	fmt.Println(hdr("restore:"))
	for _, s := range r.Restore {
		fmt.Printf("  %s\n", insn(s))
	}
	fmt.Printf("returned to %s with sp %s\n", r.ReturnPC, r.ReturnSP)
	if len(r.Diff) == 0 {
		color.Green("state restored exactly")
		return
	}
	for _, d := range r.Diff {
		color.Red("  %s", d)
	}
}
