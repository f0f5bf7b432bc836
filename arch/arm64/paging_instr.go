package arm64

import "github.com/blacktop/go-hvcore/memory"

// S1PagingInstr switches and invalidates the EL2 stage-1 regime.
type S1PagingInstr struct {
	M Machine
}

// Activate installs root in TTBR0_EL2 and drops every EL2 translation.
func (p S1PagingInstr) Activate(root memory.PhysAddr) {
	p.M.WriteSysReg(TTBR0_EL2, uint64(root))
	p.M.ISB()
	p.M.TLBI(TLBIAllE2, 0)
	p.M.DSB(NSH)
}

func (p S1PagingInstr) Flush(vaddr memory.VirtAddr) {
	p.M.TLBI(TLBIVAE2IS, uint64(vaddr)>>memory.PageShift)
	p.M.DSB(ISH)
	p.M.ISB()
}

func (p S1PagingInstr) FlushAll() {
	p.M.TLBI(TLBIAllE2, 0)
	p.M.DSB(NSH)
	p.M.ISB()
}

// S2PagingInstr switches and invalidates the stage-2 regime of the
// current VMID. The VMID field of VTTBR_EL2 is left zero.
type S2PagingInstr struct {
	M Machine
}

// Activate installs root in VTTBR_EL2 and drops the combined stage-1 and
// stage-2 translations of the VMID.
func (p S2PagingInstr) Activate(root memory.PhysAddr) {
	p.M.WriteSysReg(VTTBR_EL2, uint64(root))
	p.M.ISB()
	p.M.TLBI(TLBIVMALLS12E1IS, 0)
	p.M.DSB(NSH)
}

// Flush invalidates one IPA. Stage-1 entries cached from walks through it
// are combined entries and must go too.
func (p S2PagingInstr) Flush(ipa memory.VirtAddr) {
	p.M.TLBI(TLBIIPAS2E1IS, uint64(ipa)>>memory.PageShift)
	p.M.DSB(ISH)
	p.M.TLBI(TLBIVMALLE1IS, 0)
	p.M.DSB(ISH)
	p.M.ISB()
}

func (p S2PagingInstr) FlushAll() {
	p.M.TLBI(TLBIVMALLS12E1IS, 0)
	p.M.DSB(ISH)
	p.M.ISB()
}
