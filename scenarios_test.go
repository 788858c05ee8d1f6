package deopt

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// scenarios_test.go drives the full reconstruction pipeline (parse,
// capture, attach, synthesize, extract, place) end to end against
// hand-built side-table fixtures, one per scenario in the guard-failure
// walkthrough this package implements. There is no host toolchain here
// to produce real compiled twins, so each fixture plays the part of a
// tiny compiled program's StackMap v3 blob plus a fabricated physical
// call stack.
//
// None of these tests call AssembleAndJump: its last act is an
// unconditional jump into assembled machine code that never returns,
// which is exactly right for a running deoptimization but fatal for a
// test process. prepareGuardFailure stops one step short of that, which
// is as far as a test can safely go; ExtractLiveValues/PlaceLiveValues
// are then exercised directly against the resulting CallStackState.

// fabricatedFrame backs one level of a fake physical call stack with
// real heap memory, so Direct locations can be read and written the
// same way liveProcessMemory touches an actual running frame, without
// risking a write to an address nothing backs.
type fabricatedFrame struct {
	name string
	mem  []byte
	bp   uint64
	regs RegisterFile
}

// newFabricatedFrame allocates localsSize+16 bytes and anchors bp at
// offset localsSize into that allocation, leaving localsSize bytes
// below bp for negative-offset Direct locations and 16 bytes above it
// for the saved-bp/return-address pair real frames keep there.
func newFabricatedFrame(name string, localsSize int) *fabricatedFrame {
	mem := make([]byte, localsSize+16)
	f := &fabricatedFrame{name: name, mem: mem}
	f.bp = uint64(uintptr(unsafe.Pointer(&mem[localsSize])))
	return f
}

func (f *fabricatedFrame) setReturnAddress(addr uint64) {
	writeUint64At(f.bp+wordSize, addr)
}

func (f *fabricatedFrame) writeDirect(offset int32, data []byte) {
	writeUnsafeBytesAt(uint64(int64(f.bp)+int64(offset)), data)
}

func (f *fabricatedFrame) readDirect(offset int32, n int) []byte {
	return append([]byte(nil), unsafeBytesAt(uint64(int64(f.bp)+int64(offset)), n)...)
}

// fakeUnwindCursor implements UnwindCursor over a fixed list of
// fabricated frames followed implicitly by "main".
type fakeUnwindCursor struct {
	frames   []*fabricatedFrame
	mainBP   uint64
	mainRegs RegisterFile
	i        int
}

func newFakeUnwindCursor(frames []*fabricatedFrame, mainBP uint64) *fakeUnwindCursor {
	return &fakeUnwindCursor{frames: frames, mainBP: mainBP, i: -1}
}

func (c *fakeUnwindCursor) Step() bool {
	c.i++
	return c.i <= len(c.frames)
}

func (c *fakeUnwindCursor) ReadRegister(n uint16) (uint64, error) {
	if c.i == len(c.frames) {
		return c.mainRegs[n], nil
	}
	return c.frames[c.i].regs[n], nil
}

func (c *fakeUnwindCursor) ReadProcedureName() (string, error) {
	if c.i == len(c.frames) {
		return "main", nil
	}
	return c.frames[c.i].name, nil
}

func (c *fakeUnwindCursor) BasePointer() (uint64, error) {
	if c.i == len(c.frames) {
		return c.mainBP, nil
	}
	return c.frames[c.i].bp, nil
}

// directPair builds a (value, size) live-location pair for a Direct
// destination/source of n bytes at the given frame-relative offset.
func directPair(offset int32, size uint16) []Location {
	return []Location{
		{Kind: LocDirect, Offset: offset, Size: size},
		{Kind: LocConstant, Immediate: int32(size)},
	}
}

func registerPair(dwarfReg uint16, size uint16) []Location {
	return []Location{
		{Kind: LocRegister, DwarfRegNum: dwarfReg, Size: size},
		{Kind: LocConstant, Immediate: int32(size)},
	}
}

// scenario 1: a single guard, no inlining in the way. The guard fires
// in a function called from one caller below main. The deepest frame
// takes the guard's own record; the caller's frame gets the call-site
// record resolved from the return address stored one frame below, and
// each record's live value is read out of and written back into that
// frame's own storage.
func TestScenarioSimpleGuardDirectValue(t *testing.T) {
	guardFn := newFabricatedFrame("more_indirection", 64)
	guardFn.writeDirect(-8, le64(0xdeadbeef))
	callerFn := newFabricatedFrame("trace", 64)
	callerFn.writeDirect(-16, le64(0xfeedface))

	const guardID = 10
	const callSiteID = 20

	data := encodeSideTable(nil, []fixtureFunction{
		{startAddr: 0x1000, frameSize: 32, records: []fixtureRecord{ // the guard's function
			{id: guardID, instrOffset: 80, locations: directPair(-8, 8)},
		}},
		{startAddr: 0x5000, frameSize: 48, records: []fixtureRecord{ // its caller
			{id: callSiteID, instrOffset: 16, locations: directPair(-16, 8)},
		}},
		{startAddr: 0xa000, frameSize: 32, records: []fixtureRecord{ // the guard function's twin
			{id: ^int64(guardID), instrOffset: 8, locations: directPair(-8, 8)},
		}},
		{startAddr: 0xb000, frameSize: 48, records: []fixtureRecord{ // the caller's twin
			{id: ^int64(callSiteID), instrOffset: 24, locations: directPair(-16, 8)},
		}},
	})

	st, err := ParseSideTable(data)
	if err != nil {
		t.Fatalf("ParseSideTable: %v", err)
	}

	// The guard function's return address resumes just past the
	// caller's call-site patchpoint.
	guardFn.setReturnAddress(0x5000 + 16 + patchpointCallShadow)
	callerFn.setReturnAddress(0x9999) // resumes in main; never resolved

	cur := newFakeUnwindCursor([]*fabricatedFrame{guardFn, callerFn}, 0x9000)
	state, _, err := prepareGuardFailure(guardID, data, cur, nil)
	if err != nil {
		t.Fatalf("prepareGuardFailure: %v", err)
	}
	if len(state.Frames) != 2 {
		t.Fatalf("len(Frames) = %d, want 2 (guard frame + caller frame)", len(state.Frames))
	}
	if state.Frames[0].Record.PatchpointID != guardID {
		t.Fatalf("fail frame record id = %d, want %d", state.Frames[0].Record.PatchpointID, guardID)
	}
	if state.Frames[0].TwinRecord.PatchpointID != ^int64(guardID) {
		t.Fatalf("fail frame twin id = %d, want %d", state.Frames[0].TwinRecord.PatchpointID, ^int64(guardID))
	}
	if state.Frames[1].Record.PatchpointID != callSiteID {
		t.Fatalf("caller frame record id = %d, want %d", state.Frames[1].Record.PatchpointID, callSiteID)
	}
	if state.Frames[1].FrameSize != 48 {
		t.Fatalf("caller frame size = %d, want 48", state.Frames[1].FrameSize)
	}

	extracted, err := ExtractLiveValues(state.Frames, st.ConstantPool)
	if err != nil {
		t.Fatalf("ExtractLiveValues: %v", err)
	}
	if len(extracted[0]) != 1 || binary.LittleEndian.Uint64(extracted[0][0].bytes) != 0xdeadbeef {
		t.Fatalf("extracted guard-frame value = %+v, want 0xdeadbeef", extracted[0])
	}
	if len(extracted[1]) != 1 || binary.LittleEndian.Uint64(extracted[1][0].bytes) != 0xfeedface {
		t.Fatalf("extracted caller-frame value = %+v, want 0xfeedface", extracted[1])
	}

	// Fast path: no inlined frames, so BasePointer == RealBasePointer
	// and placement writes straight back into the fabricated frames.
	guardFn.writeDirect(-8, le64(0)) // clobber so the assertion proves placement, not survival
	callerFn.writeDirect(-16, le64(0))
	if err := PlaceLiveValues(state.Frames, extracted); err != nil {
		t.Fatalf("PlaceLiveValues: %v", err)
	}
	if got := binary.LittleEndian.Uint64(guardFn.readDirect(-8, 8)); got != 0xdeadbeef {
		t.Fatalf("placed guard-frame value = 0x%x, want 0xdeadbeef", got)
	}
	if got := binary.LittleEndian.Uint64(callerFn.readDirect(-16, 8)); got != 0xfeedface {
		t.Fatalf("placed caller-frame value = 0x%x, want 0xfeedface", got)
	}
}

// scenario 2: the guard is inside a callee the optimizer inlined into
// its caller's physical frame, so SynthesizeInlinedFrames must insert a
// virtual Frame between the captured physical frame and the next one up.
// The absorbed function's twin record is deliberately kept in a
// separate trailing function in the table, matching how a real twin
// function — compiled and addressed independently of its optimized
// counterpart — would never itself sit inside the range a forward
// sweep absorbs.
func TestScenarioInlinedGuard(t *testing.T) {
	const absorbedID = 30
	outerBP := uint64(0x9000)

	data := encodeSideTable(nil, []fixtureFunction{
		{startAddr: 0x1000, frameSize: 16, records: []fixtureRecord{
			{id: absorbedID, instrOffset: 4, locations: directPair(-8, 8)},
		}},
		{startAddr: 0x5000, frameSize: 32, records: []fixtureRecord{
			{id: 40, instrOffset: 8, locations: directPair(-16, 8)},
		}},
		{startAddr: 0xf000, frameSize: 0, records: []fixtureRecord{
			{id: ^int64(absorbedID), instrOffset: 0, locations: directPair(-8, 8)},
		}},
	})
	st, err := ParseSideTable(data)
	if err != nil {
		t.Fatalf("ParseSideTable: %v", err)
	}

	state := &CallStackState{
		Frames: []Frame{
			{StoredReturnAddress: 0x1004, RealBasePointer: outerBP},    // lands inside the absorbed function
			{SizeRecord: &st.SizeRecords[1], RealBasePointer: outerBP}, // the true enclosing function
		},
		MainBasePtr: outerBP,
	}
	if err := SynthesizeInlinedFrames(state, st); err != nil {
		t.Fatalf("SynthesizeInlinedFrames: %v", err)
	}
	if len(state.Frames) != 3 {
		t.Fatalf("len(Frames) after synthesis = %d, want 3 (original + absorbed + original)", len(state.Frames))
	}
	if state.Frames[0].Inlined || state.Frames[2].Inlined {
		t.Fatalf("original frames must not be marked Inlined")
	}
	mid := state.Frames[1]
	if !mid.Inlined {
		t.Fatalf("synthesized frame Inlined = false, want true")
	}
	if mid.Record.PatchpointID != absorbedID {
		t.Fatalf("synthesized frame record id = %d, want %d", mid.Record.PatchpointID, absorbedID)
	}
	if mid.TwinRecord == nil || mid.TwinRecord.PatchpointID != ^int64(absorbedID) {
		t.Fatalf("synthesized frame twin record missing or mismatched: %+v", mid.TwinRecord)
	}
	if mid.RealBasePointer != outerBP {
		t.Fatalf("synthesized frame RealBasePointer = 0x%x, want 0x%x", mid.RealBasePointer, outerBP)
	}
}

// scenario 3: a live 24-byte struct spans three 8-byte Direct pairs.
func TestScenarioStructSpanningMultiplePairs(t *testing.T) {
	frame := newFabricatedFrame("holder", 64)
	frame.writeDirect(-24, le64(1))
	frame.writeDirect(-16, le64(2))
	frame.writeDirect(-8, le64(3))

	const guardID = 50
	const twinID = ^int64(guardID)

	locs := append(append(directPair(-24, 8), directPair(-16, 8)...), directPair(-8, 8)...)
	data := encodeSideTable(nil, []fixtureFunction{
		{startAddr: 0x4000, frameSize: 32, records: []fixtureRecord{
			{id: guardID, instrOffset: 8, locations: locs},
			{id: twinID, instrOffset: 40, locations: locs},
		}},
	})
	st, err := ParseSideTable(data)
	if err != nil {
		t.Fatalf("ParseSideTable: %v", err)
	}

	frames := []Frame{
		{
			Record:          &st.MapRecords[0],
			TwinRecord:      &st.MapRecords[1],
			RealBasePointer: frame.bp,
			BasePointer:     frame.bp,
		},
	}
	extracted, err := ExtractLiveValues(frames, st.ConstantPool)
	if err != nil {
		t.Fatalf("ExtractLiveValues: %v", err)
	}
	if len(extracted[0]) != 3 {
		t.Fatalf("extracted %d pairs, want 3", len(extracted[0]))
	}
	for i, want := range []uint64{1, 2, 3} {
		if got := binary.LittleEndian.Uint64(extracted[0][i].bytes); got != want {
			t.Fatalf("pair %d = %d, want %d", i, got, want)
		}
	}

	frame.writeDirect(-24, le64(0))
	frame.writeDirect(-16, le64(0))
	frame.writeDirect(-8, le64(0))
	if err := PlaceLiveValues(frames, extracted); err != nil {
		t.Fatalf("PlaceLiveValues: %v", err)
	}
	for i, offset := range []int32{-24, -16, -8} {
		want := uint64(i + 1)
		if got := binary.LittleEndian.Uint64(frame.readDirect(offset, 8)); got != want {
			t.Fatalf("placed slot at %d = %d, want %d", offset, got, want)
		}
	}
}

// scenario 4: a live value held in a callee-saved register rather than
// spilled to the stack.
func TestScenarioLiveValueInRegister(t *testing.T) {
	const guardID = 60
	const twinID = ^int64(guardID)
	const calleeSavedReg = 12 // r12, per internal/engine's callee-saved set

	locs := registerPair(calleeSavedReg, 8)
	data := encodeSideTable(nil, []fixtureFunction{
		{startAddr: 0x5000, frameSize: 16, records: []fixtureRecord{
			{id: guardID, instrOffset: 4, locations: locs},
			{id: twinID, instrOffset: 20, locations: locs},
		}},
	})
	st, err := ParseSideTable(data)
	if err != nil {
		t.Fatalf("ParseSideTable: %v", err)
	}

	var regs RegisterFile
	regs[calleeSavedReg] = 0x123456789
	frames := []Frame{
		{
			Record:     &st.MapRecords[0],
			TwinRecord: &st.MapRecords[1],
			Registers:  regs,
		},
	}
	extracted, err := ExtractLiveValues(frames, st.ConstantPool)
	if err != nil {
		t.Fatalf("ExtractLiveValues: %v", err)
	}
	if got := binary.LittleEndian.Uint64(extracted[0][0].bytes); got != 0x123456789 {
		t.Fatalf("extracted register value = 0x%x, want 0x123456789", got)
	}

	frames[0].Registers = RegisterFile{} // clobber before placement
	if err := PlaceLiveValues(frames, extracted); err != nil {
		t.Fatalf("PlaceLiveValues: %v", err)
	}
	if got, _ := frames[0].Registers.Get(calleeSavedReg); got != 0x123456789 {
		t.Fatalf("placed register value = 0x%x, want 0x123456789", got)
	}
}

// scenario 5: three optimized patchpoints with consecutive identifiers,
// each paired with its twin, exercise the Patchpoint Identifier
// Convention end to end (twin id is the bitwise complement of the
// optimized id) across a sequence rather than a single isolated pair.
func TestScenarioConsecutivePatchpointIDsAcrossTwins(t *testing.T) {
	ids := []int64{100, 101, 102}
	var records []fixtureRecord
	for _, id := range ids {
		records = append(records,
			fixtureRecord{id: id, instrOffset: uint32(id), locations: []Location{{Kind: LocConstant, Immediate: 8}, {Kind: LocConstant, Immediate: 8}}},
			fixtureRecord{id: ^id, instrOffset: uint32(id) + 1000, locations: []Location{{Kind: LocConstant, Immediate: 8}, {Kind: LocConstant, Immediate: 8}}},
		)
	}
	data := encodeSideTable(nil, []fixtureFunction{{startAddr: 0x6000, frameSize: 16, records: records}})
	st, err := ParseSideTable(data)
	if err != nil {
		t.Fatalf("ParseSideTable: %v", err)
	}
	for _, id := range ids {
		rec, err := st.RecordForID(id)
		if err != nil {
			t.Fatalf("RecordForID(%d): %v", id, err)
		}
		twin, err := st.RecordForID(^id)
		if err != nil {
			t.Fatalf("RecordForID(^%d): %v", id, err)
		}
		if ^twin.PatchpointID != rec.PatchpointID {
			t.Fatalf("twin complement mismatch: id %d, twin %d", rec.PatchpointID, twin.PatchpointID)
		}
	}
}

// scenario 6: nested inlining two levels deep. Three physically
// captured frames (an innermost call site, a real intermediate frame,
// and the outermost) span two separate absorption gaps, so
// SynthesizeInlinedFrames needs two separate inserting passes before it
// reaches a fixpoint: one to absorb the inner callee into the
// intermediate frame, a second to absorb a different inlined callee
// between the intermediate frame and the outermost one.
func TestScenarioNestedInlining(t *testing.T) {
	const absorbedInnerID = 300
	const absorbedOuterID = 302
	outerBP := uint64(0x9000)

	data := encodeSideTable(nil, []fixtureFunction{
		{startAddr: 0x1000, frameSize: 16, records: []fixtureRecord{ // absorbed, gap 1
			{id: absorbedInnerID, instrOffset: 4, locations: directPair(-8, 8)},
		}},
		{startAddr: 0x5000, frameSize: 24, records: []fixtureRecord{ // the real intermediate frame's own function
			{id: 301, instrOffset: 8, locations: directPair(-8, 8)},
		}},
		{startAddr: 0x6000, frameSize: 16, records: []fixtureRecord{ // absorbed, gap 2
			{id: absorbedOuterID, instrOffset: 4, locations: directPair(-8, 8)},
		}},
		{startAddr: 0x9000, frameSize: 32, records: []fixtureRecord{ // the outermost captured frame's function
			{id: 303, instrOffset: 8, locations: directPair(-16, 8)},
		}},
		{startAddr: 0xf000, frameSize: 0, records: []fixtureRecord{ // both twins, out of the forward sweep's path
			{id: ^int64(absorbedInnerID), instrOffset: 0, locations: directPair(-8, 8)},
			{id: ^int64(absorbedOuterID), instrOffset: 8, locations: directPair(-8, 8)},
		}},
	})
	st, err := ParseSideTable(data)
	if err != nil {
		t.Fatalf("ParseSideTable: %v", err)
	}

	innermost := Frame{StoredReturnAddress: 0x1004, RealBasePointer: outerBP}
	intermediate := Frame{
		SizeRecord:          &st.SizeRecords[1], // functionB, the enclosing side of gap 1
		StoredReturnAddress: 0x6004,             // lands inside the gap-2 absorbed function
		RealBasePointer:     outerBP,
	}
	outermost := Frame{SizeRecord: &st.SizeRecords[3], RealBasePointer: outerBP} // enclosing side of gap 2

	state := &CallStackState{
		Frames:      []Frame{innermost, intermediate, outermost},
		MainBasePtr: outerBP,
	}

	if err := SynthesizeInlinedFrames(state, st); err != nil {
		t.Fatalf("SynthesizeInlinedFrames: %v", err)
	}
	if len(state.Frames) != 5 {
		t.Fatalf("len(Frames) after nested synthesis = %d, want 5 (3 originals + 2 absorbed)", len(state.Frames))
	}

	wantInlined := []bool{false, true, false, true, false}
	for i, want := range wantInlined {
		if state.Frames[i].Inlined != want {
			t.Errorf("frame %d Inlined = %v, want %v", i, state.Frames[i].Inlined, want)
		}
	}
	if state.Frames[1].Record.PatchpointID != absorbedInnerID {
		t.Errorf("frame 1 record id = %d, want %d", state.Frames[1].Record.PatchpointID, absorbedInnerID)
	}
	if state.Frames[3].Record.PatchpointID != absorbedOuterID {
		t.Errorf("frame 3 record id = %d, want %d", state.Frames[3].Record.PatchpointID, absorbedOuterID)
	}
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
