package wasm

import "fmt"

// Operand-stack validation. Every defined function body is stepped through
// with a typed value stack and a control-frame stack, following the standard
// wasm validation algorithm (including the unreachable-code polymorphism
// after br/return/unreachable). The rewriting passes rely on this: a pass
// that unbalances a body must be caught here, not by the engine at compile
// time.

// valUnknown is the polymorphic type produced when popping from an
// unreachable stack.
const valUnknown ValType = 0

type ctrlFrame struct {
	params      []ValType
	results     []ValType
	height      int
	opcode      byte // OpBlock, OpLoop, OpIf, OpElse; 0 for the function frame
	unreachable bool
}

type codeValidator struct {
	m      *Module
	locals []ValType
	stack  []ValType
	frames []ctrlFrame
}

// validateCode type-checks the operand stack of every function body.
func (m *Module) validateCode() error {
	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		funcIdx := numImported + uint32(i)
		if err := m.validateBody(funcIdx, &m.Code[i]); err != nil {
			return fmt.Errorf("function %d: %w", funcIdx, err)
		}
	}
	return nil
}

func (m *Module) validateBody(funcIdx uint32, body *FuncBody) error {
	ft := m.GetFuncType(funcIdx)
	if ft == nil {
		return fmt.Errorf("no type for function")
	}

	locals := make([]ValType, 0, len(ft.Params))
	locals = append(locals, ft.Params...)
	for _, le := range body.Locals {
		for n := uint32(0); n < le.Count; n++ {
			locals = append(locals, le.ValType)
		}
	}

	instrs, err := DecodeInstructions(body.Code)
	if err != nil {
		return err
	}

	v := &codeValidator{
		m:      m,
		locals: locals,
		frames: []ctrlFrame{{results: ft.Results}},
	}
	for i, in := range instrs {
		if len(v.frames) == 0 {
			return fmt.Errorf("instruction %d: code after function end", i)
		}
		if err := v.step(in); err != nil {
			return fmt.Errorf("instruction %d (opcode 0x%02x): %w", i, in.Opcode, err)
		}
	}
	if len(v.frames) != 0 {
		return fmt.Errorf("missing end: %d unclosed blocks", len(v.frames))
	}
	return nil
}

// push/pop primitives with unreachable polymorphism

func (v *codeValidator) push(types ...ValType) {
	v.stack = append(v.stack, types...)
}

func (v *codeValidator) pop() (ValType, error) {
	f := &v.frames[len(v.frames)-1]
	if len(v.stack) == f.height {
		if f.unreachable {
			return valUnknown, nil
		}
		return 0, fmt.Errorf("operand stack underflow")
	}
	t := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return t, nil
}

func (v *codeValidator) popExpect(want ValType) error {
	t, err := v.pop()
	if err != nil {
		return err
	}
	if t != valUnknown && t != want {
		return fmt.Errorf("expected %s, found %s", want, t)
	}
	return nil
}

func (v *codeValidator) popRef() error {
	t, err := v.pop()
	if err != nil {
		return err
	}
	if t != valUnknown && t != ValFuncRef && t != ValExtern {
		return fmt.Errorf("expected a reference type, found %s", t)
	}
	return nil
}

func (v *codeValidator) popTypes(types []ValType) error {
	for i := len(types) - 1; i >= 0; i-- {
		if err := v.popExpect(types[i]); err != nil {
			return err
		}
	}
	return nil
}

// op applies a fixed stack effect: pop pops (top of stack last), push pushes.
func (v *codeValidator) op(pops []ValType, pushes ...ValType) error {
	if err := v.popTypes(pops); err != nil {
		return err
	}
	v.push(pushes...)
	return nil
}

func (v *codeValidator) setUnreachable() {
	f := &v.frames[len(v.frames)-1]
	v.stack = v.stack[:f.height]
	f.unreachable = true
}

// branchTypes returns the types a branch to the given label must supply:
// a loop's params, any other frame's results.
func (v *codeValidator) branchTypes(label uint32) ([]ValType, error) {
	if int(label) >= len(v.frames) {
		return nil, fmt.Errorf("branch label %d out of range", label)
	}
	f := &v.frames[len(v.frames)-1-int(label)]
	if f.opcode == OpLoop {
		return f.params, nil
	}
	return f.results, nil
}

func (v *codeValidator) blockSignature(bt int32) (params, results []ValType, err error) {
	switch bt {
	case BlockTypeVoid:
		return nil, nil, nil
	case BlockTypeI32:
		return nil, []ValType{ValI32}, nil
	case BlockTypeI64:
		return nil, []ValType{ValI64}, nil
	case BlockTypeF32:
		return nil, []ValType{ValF32}, nil
	case BlockTypeF64:
		return nil, []ValType{ValF64}, nil
	case BlockTypeV128:
		return nil, []ValType{ValV128}, nil
	default:
		if bt < 0 || int(bt) >= len(v.m.Types) {
			return nil, nil, fmt.Errorf("invalid block type %d", bt)
		}
		ft := v.m.Types[bt]
		return ft.Params, ft.Results, nil
	}
}

func (v *codeValidator) pushFrame(opcode byte, params, results []ValType) error {
	if err := v.popTypes(params); err != nil {
		return err
	}
	v.frames = append(v.frames, ctrlFrame{
		opcode:  opcode,
		params:  params,
		results: results,
		height:  len(v.stack),
	})
	v.push(params...)
	return nil
}

// closeFrame validates the frame's results and pops it, pushing the results
// for the enclosing frame.
func (v *codeValidator) closeFrame() error {
	f := v.frames[len(v.frames)-1]
	if err := v.popTypes(f.results); err != nil {
		return err
	}
	if len(v.stack) != f.height {
		return fmt.Errorf("%d residual operands at end of block", len(v.stack)-f.height)
	}
	if f.opcode == OpIf && !typesListEqual(f.params, f.results) {
		return fmt.Errorf("if without else must have matching params and results")
	}
	v.frames = v.frames[:len(v.frames)-1]
	v.push(f.results...)
	return nil
}

func typesListEqual(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (v *codeValidator) localType(idx uint32) (ValType, error) {
	if int(idx) >= len(v.locals) {
		return 0, fmt.Errorf("local %d out of range", idx)
	}
	return v.locals[idx], nil
}

func (v *codeValidator) tableElemType(idx uint32) (ValType, error) {
	seen := uint32(0)
	for i := range v.m.Imports {
		if v.m.Imports[i].Desc.Kind != KindTable {
			continue
		}
		if seen == idx {
			return ValType(v.m.Imports[i].Desc.Table.ElemType), nil
		}
		seen++
	}
	local := idx - seen
	if int(local) >= len(v.m.Tables) {
		return 0, fmt.Errorf("table %d out of range", idx)
	}
	return ValType(v.m.Tables[local].ElemType), nil
}

func (v *codeValidator) step(in Instruction) error {
	switch in.Opcode {
	case OpUnreachable:
		v.setUnreachable()
		return nil
	case OpNop:
		return nil

	case OpBlock, OpLoop, OpIf:
		params, results, err := v.blockSignature(in.Imm.(BlockImm).Type)
		if err != nil {
			return err
		}
		if in.Opcode == OpIf {
			if err := v.popExpect(ValI32); err != nil {
				return err
			}
		}
		return v.pushFrame(in.Opcode, params, results)

	case OpElse:
		f := v.frames[len(v.frames)-1]
		if f.opcode != OpIf {
			return fmt.Errorf("else outside if")
		}
		if err := v.popTypes(f.results); err != nil {
			return err
		}
		if len(v.stack) != f.height {
			return fmt.Errorf("%d residual operands before else", len(v.stack)-f.height)
		}
		top := &v.frames[len(v.frames)-1]
		top.opcode = OpElse
		top.unreachable = false
		v.push(f.params...)
		return nil

	case OpEnd:
		return v.closeFrame()

	case OpBr:
		types, err := v.branchTypes(in.Imm.(BranchImm).LabelIdx)
		if err != nil {
			return err
		}
		if err := v.popTypes(types); err != nil {
			return err
		}
		v.setUnreachable()
		return nil

	case OpBrIf:
		if err := v.popExpect(ValI32); err != nil {
			return err
		}
		types, err := v.branchTypes(in.Imm.(BranchImm).LabelIdx)
		if err != nil {
			return err
		}
		if err := v.popTypes(types); err != nil {
			return err
		}
		v.push(types...)
		return nil

	case OpBrTable:
		if err := v.popExpect(ValI32); err != nil {
			return err
		}
		imm := in.Imm.(BrTableImm)
		def, err := v.branchTypes(imm.Default)
		if err != nil {
			return err
		}
		for _, l := range imm.Labels {
			types, err := v.branchTypes(l)
			if err != nil {
				return err
			}
			if !typesListEqual(types, def) {
				return fmt.Errorf("br_table labels disagree on types")
			}
		}
		if err := v.popTypes(def); err != nil {
			return err
		}
		v.setUnreachable()
		return nil

	case OpReturn:
		if err := v.popTypes(v.frames[0].results); err != nil {
			return err
		}
		v.setUnreachable()
		return nil

	case OpCall, OpReturnCall:
		ft := v.m.GetFuncType(in.Imm.(CallImm).FuncIdx)
		if ft == nil {
			return fmt.Errorf("call target out of range")
		}
		return v.applyCall(ft, in.Opcode == OpReturnCall)

	case OpCallIndirect, OpReturnCallIndirect:
		imm := in.Imm.(CallIndirectImm)
		if int(imm.TypeIdx) >= len(v.m.Types) {
			return fmt.Errorf("call_indirect type out of range")
		}
		if err := v.popExpect(ValI32); err != nil {
			return err
		}
		return v.applyCall(&v.m.Types[imm.TypeIdx], in.Opcode == OpReturnCallIndirect)

	case OpDrop:
		_, err := v.pop()
		return err

	case OpSelect:
		if err := v.popExpect(ValI32); err != nil {
			return err
		}
		t1, err := v.pop()
		if err != nil {
			return err
		}
		t2, err := v.pop()
		if err != nil {
			return err
		}
		if t1 != valUnknown && (t1 == ValFuncRef || t1 == ValExtern) {
			return fmt.Errorf("untyped select requires numeric operands")
		}
		if t1 != valUnknown && t2 != valUnknown && t1 != t2 {
			return fmt.Errorf("select operands disagree: %s vs %s", t1, t2)
		}
		if t1 != valUnknown {
			v.push(t1)
		} else {
			v.push(t2)
		}
		return nil

	case OpSelectType:
		imm := in.Imm.(SelectTypeImm)
		if len(imm.Types) != 1 {
			return fmt.Errorf("typed select must name exactly one type")
		}
		t := imm.Types[0]
		return v.op([]ValType{t, t, ValI32}, t)

	case OpLocalGet:
		t, err := v.localType(in.Imm.(LocalImm).LocalIdx)
		if err != nil {
			return err
		}
		v.push(t)
		return nil
	case OpLocalSet:
		t, err := v.localType(in.Imm.(LocalImm).LocalIdx)
		if err != nil {
			return err
		}
		return v.popExpect(t)
	case OpLocalTee:
		t, err := v.localType(in.Imm.(LocalImm).LocalIdx)
		if err != nil {
			return err
		}
		return v.op([]ValType{t}, t)

	case OpGlobalGet:
		gt := v.m.GlobalTypeAt(in.Imm.(GlobalImm).GlobalIdx)
		if gt == nil {
			return fmt.Errorf("global out of range")
		}
		v.push(gt.ValType)
		return nil
	case OpGlobalSet:
		gt := v.m.GlobalTypeAt(in.Imm.(GlobalImm).GlobalIdx)
		if gt == nil {
			return fmt.Errorf("global out of range")
		}
		if !gt.Mutable {
			return fmt.Errorf("global.set on immutable global")
		}
		return v.popExpect(gt.ValType)

	case OpTableGet:
		t, err := v.tableElemType(in.Imm.(TableImm).TableIdx)
		if err != nil {
			return err
		}
		return v.op([]ValType{ValI32}, t)
	case OpTableSet:
		t, err := v.tableElemType(in.Imm.(TableImm).TableIdx)
		if err != nil {
			return err
		}
		return v.op([]ValType{ValI32, t})

	case OpI32Load, OpI64Load, OpF32Load, OpF64Load,
		OpI32Load8S, OpI32Load8U, OpI32Load16S, OpI32Load16U,
		OpI64Load8S, OpI64Load8U, OpI64Load16S, OpI64Load16U,
		OpI64Load32S, OpI64Load32U:
		return v.op([]ValType{ValI32}, loadResultType(in.Opcode))

	case OpI32Store, OpI64Store, OpF32Store, OpF64Store,
		OpI32Store8, OpI32Store16, OpI64Store8, OpI64Store16, OpI64Store32:
		return v.op([]ValType{ValI32, storeValueType(in.Opcode)})

	case OpMemorySize:
		v.push(ValI32)
		return nil
	case OpMemoryGrow:
		return v.op([]ValType{ValI32}, ValI32)

	case OpI32Const:
		v.push(ValI32)
		return nil
	case OpI64Const:
		v.push(ValI64)
		return nil
	case OpF32Const:
		v.push(ValF32)
		return nil
	case OpF64Const:
		v.push(ValF64)
		return nil

	case OpRefNull:
		switch in.Imm.(RefNullImm).HeapType {
		case -16:
			v.push(ValFuncRef)
		case -17:
			v.push(ValExtern)
		default:
			return fmt.Errorf("unsupported heap type")
		}
		return nil
	case OpRefIsNull:
		if err := v.popRef(); err != nil {
			return err
		}
		v.push(ValI32)
		return nil
	case OpRefFunc:
		v.push(ValFuncRef)
		return nil

	case OpPrefixMisc:
		return v.miscStep(in.Imm.(MiscImm))
	case OpPrefixAtomic:
		return v.atomicStep(in.Imm.(AtomicImm))
	case OpPrefixSIMD:
		return v.simdStep(in.Imm.(SIMDImm))

	default:
		return v.numericStep(in.Opcode)
	}
}

func (v *codeValidator) applyCall(ft *FuncType, tail bool) error {
	if err := v.popTypes(ft.Params); err != nil {
		return err
	}
	if tail {
		if !typesListEqual(ft.Results, v.frames[0].results) {
			return fmt.Errorf("tail call results disagree with function results")
		}
		v.setUnreachable()
		return nil
	}
	v.push(ft.Results...)
	return nil
}

// numericStep covers comparisons, arithmetic, conversions and sign extension.
func (v *codeValidator) numericStep(op byte) error {
	i32, i64, f32, f64 := ValI32, ValI64, ValF32, ValF64
	switch {
	case op == OpI32Eqz:
		return v.op([]ValType{i32}, i32)
	case op >= OpI32Eq && op <= OpI32GeU:
		return v.op([]ValType{i32, i32}, i32)
	case op == OpI64Eqz:
		return v.op([]ValType{i64}, i32)
	case op >= OpI64Eq && op <= OpI64GeU:
		return v.op([]ValType{i64, i64}, i32)
	case op >= OpF32Eq && op <= OpF32Ge:
		return v.op([]ValType{f32, f32}, i32)
	case op >= OpF64Eq && op <= OpF64Ge:
		return v.op([]ValType{f64, f64}, i32)

	case op >= OpI32Clz && op <= OpI32Popcnt:
		return v.op([]ValType{i32}, i32)
	case op >= OpI32Add && op <= OpI32Rotr:
		return v.op([]ValType{i32, i32}, i32)
	case op >= OpI64Clz && op <= OpI64Popcnt:
		return v.op([]ValType{i64}, i64)
	case op >= OpI64Add && op <= OpI64Rotr:
		return v.op([]ValType{i64, i64}, i64)
	case op >= OpF32Abs && op <= OpF32Sqrt:
		return v.op([]ValType{f32}, f32)
	case op >= OpF32Add && op <= OpF32Copysign:
		return v.op([]ValType{f32, f32}, f32)
	case op >= OpF64Abs && op <= OpF64Sqrt:
		return v.op([]ValType{f64}, f64)
	case op >= OpF64Add && op <= OpF64Copysign:
		return v.op([]ValType{f64, f64}, f64)
	}

	switch op {
	case OpI32WrapI64:
		return v.op([]ValType{i64}, i32)
	case OpI32TruncF32S, OpI32TruncF32U, OpI32ReinterpretF32:
		return v.op([]ValType{f32}, i32)
	case OpI32TruncF64S, OpI32TruncF64U:
		return v.op([]ValType{f64}, i32)
	case OpI64ExtendI32S, OpI64ExtendI32U:
		return v.op([]ValType{i32}, i64)
	case OpI64TruncF32S, OpI64TruncF32U:
		return v.op([]ValType{f32}, i64)
	case OpI64TruncF64S, OpI64TruncF64U, OpI64ReinterpretF64:
		return v.op([]ValType{f64}, i64)
	case OpF32ConvertI32S, OpF32ConvertI32U, OpF32ReinterpretI32:
		return v.op([]ValType{i32}, f32)
	case OpF32ConvertI64S, OpF32ConvertI64U:
		return v.op([]ValType{i64}, f32)
	case OpF32DemoteF64:
		return v.op([]ValType{f64}, f32)
	case OpF64ConvertI32S, OpF64ConvertI32U:
		return v.op([]ValType{i32}, f64)
	case OpF64ConvertI64S, OpF64ConvertI64U, OpF64ReinterpretI64:
		return v.op([]ValType{i64}, f64)
	case OpF64PromoteF32:
		return v.op([]ValType{f32}, f64)
	case OpI32Extend8S, OpI32Extend16S:
		return v.op([]ValType{i32}, i32)
	case OpI64Extend8S, OpI64Extend16S, OpI64Extend32S:
		return v.op([]ValType{i64}, i64)
	}

	return fmt.Errorf("unvalidatable opcode")
}

func (v *codeValidator) miscStep(imm MiscImm) error {
	i32, i64, f32, f64 := ValI32, ValI64, ValF32, ValF64
	switch imm.SubOpcode {
	case MiscI32TruncSatF32S, MiscI32TruncSatF32U:
		return v.op([]ValType{f32}, i32)
	case MiscI32TruncSatF64S, MiscI32TruncSatF64U:
		return v.op([]ValType{f64}, i32)
	case MiscI64TruncSatF32S, MiscI64TruncSatF32U:
		return v.op([]ValType{f32}, i64)
	case MiscI64TruncSatF64S, MiscI64TruncSatF64U:
		return v.op([]ValType{f64}, i64)
	case MiscMemoryInit, MiscMemoryCopy, MiscMemoryFill:
		return v.op([]ValType{i32, i32, i32})
	case MiscDataDrop, MiscElemDrop:
		return nil
	case MiscTableInit, MiscTableCopy:
		return v.op([]ValType{i32, i32, i32})
	case MiscTableSize:
		v.push(i32)
		return nil
	case MiscTableGrow:
		if err := v.popExpect(i32); err != nil {
			return err
		}
		if err := v.popRef(); err != nil {
			return err
		}
		v.push(i32)
		return nil
	case MiscTableFill:
		if err := v.popExpect(i32); err != nil {
			return err
		}
		if err := v.popRef(); err != nil {
			return err
		}
		return v.popExpect(i32)
	default:
		return fmt.Errorf("unvalidatable 0xFC sub-opcode 0x%02x", imm.SubOpcode)
	}
}

func (v *codeValidator) atomicStep(imm AtomicImm) error {
	i32, i64 := ValI32, ValI64
	sub := imm.SubOpcode
	switch {
	case sub == AtomicNotify:
		return v.op([]ValType{i32, i32}, i32)
	case sub == AtomicWait32:
		return v.op([]ValType{i32, i32, i64}, i32)
	case sub == AtomicWait64:
		return v.op([]ValType{i32, i64, i64}, i32)
	case sub == AtomicFence:
		return nil
	case sub >= AtomicI32Load && sub <= AtomicI64Load32U:
		return v.op([]ValType{i32}, atomicLoadType(sub))
	case sub >= AtomicI32Store && sub <= AtomicI64Store32:
		return v.op([]ValType{i32, atomicStoreType(sub)})
	case sub >= AtomicI32RmwAdd && sub <= AtomicI64Rmw32XchgU:
		t := atomicRmwType(sub)
		return v.op([]ValType{i32, t}, t)
	case sub >= AtomicI32RmwCmpxchg && sub <= AtomicI64Rmw32CmpxchgU:
		t := atomicRmwType(sub)
		return v.op([]ValType{i32, t, t}, t)
	default:
		return fmt.Errorf("unvalidatable 0xFE sub-opcode 0x%02x", sub)
	}
}

func atomicLoadType(sub uint32) ValType {
	switch sub {
	case AtomicI32Load, AtomicI32Load8U, AtomicI32Load16U:
		return ValI32
	default:
		return ValI64
	}
}

func atomicStoreType(sub uint32) ValType {
	switch sub {
	case AtomicI32Store, AtomicI32Store8, AtomicI32Store16:
		return ValI32
	default:
		return ValI64
	}
}

// atomicRmwType mirrors the seven-entry width pattern shared by the rmw and
// cmpxchg families: i32, i64, i32_8u, i32_16u, i64_8u, i64_16u, i64_32u.
func atomicRmwType(sub uint32) ValType {
	var pos uint32
	if sub >= AtomicI32RmwCmpxchg {
		pos = (sub - AtomicI32RmwCmpxchg) % 7
	} else {
		pos = (sub - AtomicI32RmwAdd) % 7
	}
	switch pos {
	case 0, 2, 3:
		return ValI32
	default:
		return ValI64
	}
}

func loadResultType(op byte) ValType {
	switch op {
	case OpI32Load, OpI32Load8S, OpI32Load8U, OpI32Load16S, OpI32Load16U:
		return ValI32
	case OpF32Load:
		return ValF32
	case OpF64Load:
		return ValF64
	default:
		return ValI64
	}
}

func storeValueType(op byte) ValType {
	switch op {
	case OpI32Store, OpI32Store8, OpI32Store16:
		return ValI32
	case OpF32Store:
		return ValF32
	case OpF64Store:
		return ValF64
	default:
		return ValI64
	}
}
