// Package config decodes the system-configuration block the loader places
// after the hypervisor image. The block is packed and little endian:
//
//	hypervisor memory region        32 bytes
//	IOMMU units       16 x 12 bytes (base u64, size u32)
//	RMRR ranges        4 x 16 bytes (base u64, limit u64)
//	num_memory_regions              u32
//	memory regions     N x 32 bytes
package config

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
	"golang.org/x/sys/unix"
)

const (
	MaxIommuUnits = 16
	MaxRmrrRanges = 4
)

// MemoryRegion describes one physical range and how it is mapped.
type MemoryRegion struct {
	PhysStart uint64          `json:"phys_start"`
	VirtStart uint64          `json:"virt_start"`
	Size      uint64          `json:"size"`
	Flags     memory.MemFlags `json:"flags"`
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("[%#x-%#x) -> %#x %v", r.PhysStart, r.PhysStart+r.Size, r.VirtStart, r.Flags)
}

// IommuInfo locates one remapping hardware unit.
type IommuInfo struct {
	Base uint64 `json:"base"`
	Size uint32 `json:"size"`
}

// RmrrRange is a reserved memory region reported by the platform.
type RmrrRange struct {
	Base  uint64 `json:"base"`
	Limit uint64 `json:"limit"`
}

// header is the fixed part of the block, in wire order.
type header struct {
	HypervisorMemory MemoryRegion
	IommuUnits       [MaxIommuUnits]IommuInfo
	RmrrRanges       [MaxRmrrRanges]RmrrRange
	NumMemoryRegions uint32
}

var (
	headerSize = binary.Size(header{})
	regionSize = binary.Size(MemoryRegion{})
)

// HvSystemConfig is a decoded system-configuration block.
type HvSystemConfig struct {
	HypervisorMemory MemoryRegion `json:"hypervisor_memory"`

	iommu   [MaxIommuUnits]IommuInfo
	rmrr    [MaxRmrrRanges]RmrrRange
	regions []MemoryRegion
}

// Parse decodes a block. Trailing bytes after the last memory region are
// ignored.
func Parse(b []byte) (*HvSystemConfig, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("config header is %d bytes, need %d: %w", len(b), headerSize, hvcore.ErrTruncated)
	}
	r := bytes.NewReader(b)
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode config header: %w", err)
	}
	need := headerSize + int(hdr.NumMemoryRegions)*regionSize
	if len(b) < need {
		return nil, fmt.Errorf("config with %d memory regions is %d bytes, need %d: %w",
			hdr.NumMemoryRegions, len(b), need, hvcore.ErrTruncated)
	}
	regions := make([]MemoryRegion, hdr.NumMemoryRegions)
	if err := binary.Read(r, binary.LittleEndian, regions); err != nil {
		return nil, fmt.Errorf("failed to decode memory regions: %w", err)
	}

	cfg := &HvSystemConfig{
		HypervisorMemory: hdr.HypervisorMemory,
		iommu:            hdr.IommuUnits,
		rmrr:             hdr.RmrrRanges,
		regions:          regions,
	}
	if cfg.HypervisorMemory.Flags&^memory.AllFlags != 0 {
		return nil, hvcore.NewError(unix.EINVAL, "hv: hypervisor memory region has unknown flags %#x",
			uint64(cfg.HypervisorMemory.Flags))
	}
	for i, reg := range regions {
		if reg.Flags&^memory.AllFlags != 0 {
			return nil, hvcore.NewError(unix.EINVAL, "hv: memory region %d has unknown flags %#x", i, uint64(reg.Flags))
		}
	}
	return cfg, nil
}

// MarshalBinary encodes the block in wire format.
func (c *HvSystemConfig) MarshalBinary() ([]byte, error) {
	hdr := header{
		HypervisorMemory: c.HypervisorMemory,
		IommuUnits:       c.iommu,
		RmrrRanges:       c.rmrr,
		NumMemoryRegions: uint32(len(c.regions)),
	}
	b, err := binary.Append(make([]byte, 0, c.Size()), binary.LittleEndian, &hdr)
	if err != nil {
		return nil, err
	}
	return binary.Append(b, binary.LittleEndian, c.regions)
}

// Size returns the encoded length of the block.
func (c *HvSystemConfig) Size() int {
	return headerSize + len(c.regions)*regionSize
}

// IommuUnits returns the populated IOMMU slots, up to the first with a
// zero base.
func (c *HvSystemConfig) IommuUnits() []IommuInfo {
	n := 0
	for n < MaxIommuUnits && c.iommu[n].Base != 0 {
		n++
	}
	return c.iommu[:n]
}

// RmrrRanges returns the populated RMRR slots, up to the first with a zero
// limit.
func (c *HvSystemConfig) RmrrRanges() []RmrrRange {
	n := 0
	for n < MaxRmrrRanges && c.rmrr[n].Limit != 0 {
		n++
	}
	return c.rmrr[:n]
}

// MemRegions returns the memory regions that follow the fixed header.
func (c *HvSystemConfig) MemRegions() []MemoryRegion {
	return c.regions
}

// SetIommuUnits, SetRmrrRanges and SetMemRegions fill a block for encoding.
func (c *HvSystemConfig) SetIommuUnits(units []IommuInfo) {
	c.iommu = [MaxIommuUnits]IommuInfo{}
	copy(c.iommu[:], units)
}

func (c *HvSystemConfig) SetRmrrRanges(ranges []RmrrRange) {
	c.rmrr = [MaxRmrrRanges]RmrrRange{}
	copy(c.rmrr[:], ranges)
}

func (c *HvSystemConfig) SetMemRegions(regions []MemoryRegion) {
	c.regions = regions
}

// InitPhysVirtOffset fixes the hypervisor's phys/virt translation from the
// hypervisor memory region. It may run once per process.
func (c *HvSystemConfig) InitPhysVirtOffset() error {
	hv := c.HypervisorMemory
	if !memory.IsAligned(hv.PhysStart) || !memory.IsAligned(hv.VirtStart) {
		return fmt.Errorf("hypervisor region %v: %w", hv, hvcore.ErrNotAligned)
	}
	if err := memory.InitPhysVirtOffset(memory.VirtAddr(hv.VirtStart), memory.PhysAddr(hv.PhysStart)); err != nil {
		return err
	}
	hvcore.Logger().Debug("phys/virt offset initialized",
		"virt", memory.VirtAddr(hv.VirtStart), "phys", memory.PhysAddr(hv.PhysStart))
	return nil
}
