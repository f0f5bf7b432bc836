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
	"strconv"
	"strings"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/arch/amd64"
	"github.com/blacktop/go-hvcore/arch/arm64"
	"github.com/blacktop/go-hvcore/memory"
	"github.com/blacktop/go-hvcore/memory/paging"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	ptFrames  int
	ptBase    uint64
	ptStage   int
	ptMaps    []string
	ptRegions []string
)

func init() {
	rootCmd.AddCommand(ptCmd)
	ptCmd.Flags().IntVarP(&ptFrames, "frames", "f", 64, "Number of 4KB frames in the table arena")
	ptCmd.Flags().Uint64Var(&ptBase, "base", 0x4000_0000, "Physical base of the table arena")
	ptCmd.Flags().IntVarP(&ptStage, "stage", "s", 1, "Translation stage (1 = host, 2 = EPT/stage-2)")
	ptCmd.Flags().StringArrayVarP(&ptMaps, "map", "m", nil, "Mapping va:pa:flags[:level], e.g. 0x200000:0x40000000:rw-:2M")
	ptCmd.Flags().StringArrayVarP(&ptRegions, "region", "r", nil, "Region va:pa:flags:size, mapped with the largest blocks that fit")
}

type mapping struct {
	vaddr memory.VirtAddr
	paddr memory.PhysAddr
	flags memory.MemFlags
	level paging.Level
	size  uint64 // region length; 0 for a single entry
}

type ptEntry struct {
	VAddr string `json:"vaddr"`
	PAddr string `json:"paddr"`
	Level string `json:"level"`
	Flags string `json:"flags"`
	Raw   string `json:"raw"`
}

type ptDump struct {
	Arch        string         `json:"arch"`
	Stage       int            `json:"stage"`
	Root        string         `json:"root"`
	Entries     []ptEntry      `json:"entries"`
	Activate    []string       `json:"activate"`
	FramesInUse int            `json:"frames_in_use"`
	Metrics     hvcore.Metrics `json:"metrics"`
}

var ptCmd = &cobra.Command{
	Use:   "pt",
	Short: "Build a page table from mappings and dump its leaves",
	Long: `Build a stage-1 or stage-2 page table for --arch in a frame arena, apply every
--map and --region, then walk the table and print each leaf with the raw
descriptor bits. The instructions Activate would issue are shown last.

Flags letters: r w x u (user) i (device/io) d (dma) e (encrypted) n (no huge
pages) p (not present). Levels: 4K, 2M, 1G.`,
	Example: `  hvcore pt --arch arm64 -m 0x1000:0x2000:rw- -m 0x200000:0x40200000:r-x:2M
  hvcore pt --arch amd64 -s 2 -r 0x0:0x0:rwx:0x40200000 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var maps []mapping
		for _, s := range ptMaps {
			m, err := parseMapping(s, false)
			if err != nil {
				return err
			}
			maps = append(maps, m)
		}
		for _, s := range ptRegions {
			m, err := parseMapping(s, true)
			if err != nil {
				return err
			}
			maps = append(maps, m)
		}

		arena, err := memory.NewArena(memory.PhysAddr(ptBase), ptFrames)
		if err != nil {
			return fmt.Errorf("failed to create frame arena: %w", err)
		}
		defer arena.Close()

		hvcore.ResetMetrics()
		dump := &ptDump{Arch: archName, Stage: ptStage}
		switch {
		case archName == "arm64" && ptStage == 1:
			m := arm64.NewSimMachine()
			pt, err := arm64.NewS1PageTable(arena, m)
			if err != nil {
				return err
			}
			err = buildTable(pt, arena, maps, dump)
			dump.Activate = m.ResetTrace()
			if err != nil {
				return err
			}
		case archName == "arm64" && ptStage == 2:
			m := arm64.NewSimMachine()
			pt, err := arm64.NewS2PageTable(arena, m)
			if err != nil {
				return err
			}
			err = buildTable(pt, arena, maps, dump)
			dump.Activate = m.ResetTrace()
			if err != nil {
				return err
			}
		case archName == "amd64" && ptStage == 1:
			m := amd64.NewSimMachine()
			pt, err := amd64.NewPageTable(arena, m)
			if err != nil {
				return err
			}
			err = buildTable(pt, arena, maps, dump)
			dump.Activate = m.ResetTrace()
			if err != nil {
				return err
			}
		case archName == "amd64" && ptStage == 2:
			m := amd64.NewSimMachine()
			pt, err := amd64.NewEPT(arena, m)
			if err != nil {
				return err
			}
			err = buildTable(pt, arena, maps, dump)
			dump.Activate = m.ResetTrace()
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("invalid --stage %d (want 1 or 2)", ptStage)
		}
		dump.Metrics = hvcore.GetMetrics()

		if jsonOut {
			out, err := json.MarshalIndent(dump, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal page table: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}
		printDump(dump)
		return nil
	},
}

// buildTable applies maps to pt, records its leaves and node count and
// activates it. The table's nodes are freed before returning.
func buildTable[E ~uint64, P paging.PTE[E]](pt *paging.PageTable[E, P], arena *memory.Arena, maps []mapping, dump *ptDump) error {
	defer pt.Destroy()
	for _, m := range maps {
		var err error
		if m.size != 0 {
			err = pt.MapRegion(m.vaddr, m.paddr, m.size, m.flags)
		} else {
			err = pt.Map(m.vaddr, m.paddr, m.flags, m.level)
		}
		if err != nil {
			return err
		}
	}
	dump.Root = pt.Root().String()
	pt.Walk(func(vaddr memory.VirtAddr, level paging.Level, e E) bool {
		p := P(&e)
		dump.Entries = append(dump.Entries, ptEntry{
			VAddr: vaddr.String(),
			PAddr: p.Address().String(),
			Level: level.String(),
			Flags: p.Flags().String(),
			Raw:   fmt.Sprintf("%#016x", uint64(e)),
		})
		return true
	})
	dump.FramesInUse = arena.FramesInUse()
	pt.Activate()
	return nil
}

func parseMapping(s string, region bool) (mapping, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 || (region && len(parts) != 4) {
		return mapping{}, fmt.Errorf("invalid mapping %q", s)
	}
	va, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return mapping{}, fmt.Errorf("invalid virtual address in %q: %w", s, err)
	}
	pa, err := strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		return mapping{}, fmt.Errorf("invalid physical address in %q: %w", s, err)
	}
	flags, ok := memory.ParseFlags(parts[2])
	if !ok {
		return mapping{}, fmt.Errorf("invalid flags %q in %q", parts[2], s)
	}
	m := mapping{vaddr: memory.VirtAddr(va), paddr: memory.PhysAddr(pa), flags: flags, level: paging.Level1}
	if region {
		if m.size, err = strconv.ParseUint(parts[3], 0, 64); err != nil {
			return mapping{}, fmt.Errorf("invalid size in %q: %w", s, err)
		}
		return m, nil
	}
	if len(parts) == 4 {
		switch strings.ToUpper(parts[3]) {
		case "4K":
			m.level = paging.Level1
		case "2M":
			m.level = paging.Level2
		case "1G":
			m.level = paging.Level3
		default:
			return mapping{}, fmt.Errorf("invalid level %q in %q (want 4K, 2M or 1G)", parts[3], s)
		}
	}
	return m, nil
}

func printDump(d *ptDump) {
	addr := color.New(color.FgCyan).SprintFunc()
	lvl := color.New(color.FgMagenta).SprintFunc()
	flg := color.New(color.FgGreen).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Printf("%s stage-%d table, root %s, %d frames in use\n", d.Arch, d.Stage, addr(d.Root), d.FramesInUse)
	for _, e := range d.Entries {
		fmt.Printf("  %18s -> %-14s %4s %s %s\n", addr(e.VAddr), addr(e.PAddr), lvl(e.Level), flg(e.Flags), dim(e.Raw))
	}
	if len(d.Entries) == 0 {
		fmt.Println("  (empty)")
	}
	fmt.Println("activate:")
	for _, insn := range d.Activate {
		fmt.Printf("  %s\n", color.YellowString(insn))
	}
}
