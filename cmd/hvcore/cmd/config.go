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
	"os"

	"github.com/blacktop/go-hvcore/config"
	"github.com/blacktop/go-hvcore/memory"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cfgInitOffset bool
	cfgSampleOut  string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSampleCmd)
	configCmd.Flags().BoolVar(&cfgInitOffset, "init-offset", false, "Set the phys/virt offset from the hypervisor region and show a translation")
	configSampleCmd.Flags().StringVarP(&cfgSampleOut, "output", "o", "hv_config.bin", "Output file")
}

var configCmd = &cobra.Command{
	Use:   "config FILE",
	Short: "Decode a binary hypervisor system configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg, err := config.Parse(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}
		if cfgInitOffset {
			if err := cfg.InitPhysVirtOffset(); err != nil {
				return err
			}
		}

		if jsonOut {
			out, err := json.MarshalIndent(struct {
				HypervisorMemory config.MemoryRegion   `json:"hypervisor_memory"`
				Iommu            []config.IommuInfo    `json:"iommu_units"`
				Rmrr             []config.RmrrRange    `json:"rmrr_ranges"`
				Regions          []config.MemoryRegion `json:"mem_regions"`
			}{cfg.HypervisorMemory, cfg.IommuUnits(), cfg.RmrrRanges(), cfg.MemRegions()}, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %v\n", bold("hypervisor:"), cfg.HypervisorMemory)
		if cfgInitOffset {
			hm := cfg.HypervisorMemory
			color.Cyan("  %v -> %v", memory.PhysAddr(hm.PhysStart), memory.PhysToVirt(memory.PhysAddr(hm.PhysStart)))
		}
		fmt.Println(bold("iommu units:"))
		for i, u := range cfg.IommuUnits() {
			fmt.Printf("  [%d] base=%#x size=%#x\n", i, u.Base, u.Size)
		}
		fmt.Println(bold("rmrr ranges:"))
		for i, r := range cfg.RmrrRanges() {
			fmt.Printf("  [%d] %#x-%#x\n", i, r.Base, r.Limit)
		}
		fmt.Println(bold("memory regions:"))
		for i, r := range cfg.MemRegions() {
			fmt.Printf("  [%d] %v\n", i, r)
		}
		return nil
	},
}

var configSampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Write an example binary configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.HvSystemConfig{
			HypervisorMemory: config.MemoryRegion{
				PhysStart: 0x7c00_0000,
				VirtStart: 0xffff_ff00_0000_0000,
				Size:      0x400_0000,
				Flags:     memory.Read | memory.Write | memory.Execute,
			},
		}
		cfg.SetIommuUnits([]config.IommuInfo{{Base: 0xfed9_0000, Size: 0x1000}})
		cfg.SetRmrrRanges([]config.RmrrRange{{Base: 0x7b80_0000, Limit: 0x7bff_ffff}})
		cfg.SetMemRegions([]config.MemoryRegion{
			{PhysStart: 0, VirtStart: 0, Size: 0x7c00_0000, Flags: memory.Read | memory.Write | memory.Execute},
			{PhysStart: 0xfe00_0000, VirtStart: 0xfe00_0000, Size: 0x200_0000, Flags: memory.Read | memory.Write | memory.IO},
		})
		data, err := cfg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfgSampleOut, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", cfgSampleOut, err)
		}
		color.Green("wrote %d bytes to %s", len(data), cfgSampleOut)
		return nil
	},
}
