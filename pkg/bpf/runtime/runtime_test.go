package runtime

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/axiomos/kbpf/internal/types"
	"github.com/axiomos/kbpf/pkg/bpf/asm"
	"github.com/axiomos/kbpf/pkg/bpf/helpers"
	"github.com/axiomos/kbpf/pkg/bpf/loader"
	"github.com/axiomos/kbpf/pkg/bpf/maps"
	"github.com/axiomos/kbpf/pkg/bpf/signing"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(Config{
		Clock:    func() uint64 { return 12345 },
		RandSeed: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt
}

func image(sections ...loader.ImageSection) []byte {
	all := append([]loader.ImageSection{loader.LicenseSection("MIT")}, sections...)
	return loader.BuildImage(all)
}

func progSection(name string, insns []asm.Instruction) loader.ImageSection {
	return loader.ProgbitsSection(name, asm.Marshal(insns))
}

func TestLoadAndDispatch(t *testing.T) {
	rt := newRuntime(t)
	ids, err := rt.Load(image(progSection("tracepoint/test/alpha", []asm.Instruction{
		asm.Mov64Imm(asm.R0, 7),
		asm.Exit(),
	})))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d ids, want 1", len(ids))
	}

	res := rt.FireTracepoint("test", "alpha", nil)
	if len(res) != 1 {
		t.Fatalf("got %d results, want 1", len(res))
	}
	if res[0].Err != nil {
		t.Fatalf("dispatch: %v", res[0].Err)
	}
	if res[0].R0 != 7 {
		t.Errorf("r0 = %d, want 7", res[0].R0)
	}
	if res[0].ID != ids[0] {
		t.Errorf("result id = %s, want %s", res[0].ID.Short(), ids[0].Short())
	}
}

func TestDispatchUnattachedPoint(t *testing.T) {
	rt := newRuntime(t)
	if res := rt.FireTracepoint("test", "nothing", nil); res != nil {
		t.Errorf("got %d results, want none", len(res))
	}
	if v := rt.DispatchValue(types.TracepointAttachPoint("test", "nothing"), nil); v != 0 {
		t.Errorf("DispatchValue = %d, want 0", v)
	}
}

func TestDispatchValue(t *testing.T) {
	rt := newRuntime(t)
	if _, err := rt.Load(image(progSection("timer", []asm.Instruction{
		asm.Mov64Imm(asm.R0, -3),
		asm.Exit(),
	}))); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v := rt.DispatchValue(types.TimerAttachPoint, nil); v != -3 {
		t.Errorf("DispatchValue = %d, want -3", v)
	}
}

func TestLoadAllOrNothing(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Load(image(
		progSection("tracepoint/test/good", []asm.Instruction{
			asm.Mov64Imm(asm.R0, 0),
			asm.Exit(),
		}),
		progSection("tracepoint/test/bad", []asm.Instruction{
			asm.Exit(), // r0 uninitialized
		}),
	))
	if err == nil {
		t.Fatal("Load accepted an object with an unverifiable section")
	}
	if rt.Table().Len() != 0 {
		t.Errorf("table has %d programs after failed load, want 0", rt.Table().Len())
	}
}

func TestLoadRejectsMissingLicense(t *testing.T) {
	img := loader.BuildImage([]loader.ImageSection{
		progSection("timer", []asm.Instruction{
			asm.Mov64Imm(asm.R0, 0),
			asm.Exit(),
		}),
	})
	rt := newRuntime(t)
	if _, err := rt.Load(img); !errors.Is(err, loader.ErrMissingLicense) {
		t.Errorf("Load error = %v, want %v", err, loader.ErrMissingLicense)
	}
}

func TestLoadDuplicateProgram(t *testing.T) {
	rt := newRuntime(t)
	img := image(progSection("timer", []asm.Instruction{
		asm.Mov64Imm(asm.R0, 0),
		asm.Exit(),
	}))
	if _, err := rt.Load(img); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if _, err := rt.Load(img); !errors.Is(err, ErrProgramExists) {
		t.Errorf("second Load error = %v, want %v", err, ErrProgramExists)
	}
}

func TestRemoveProgram(t *testing.T) {
	rt := newRuntime(t)
	ids, err := rt.Load(image(progSection("timer", []asm.Instruction{
		asm.Mov64Imm(asm.R0, 0),
		asm.Exit(),
	})))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := rt.Remove(ids[0]); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if res := rt.Dispatch(types.TimerAttachPoint, nil); res != nil {
		t.Errorf("dispatch after remove returned %d results", len(res))
	}
	if err := rt.Remove(ids[0]); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("second Remove error = %v, want %v", err, ErrProgramNotFound)
	}
}

func TestTracePrintkEndToEnd(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Load(image(progSection("tracepoint/test/trace", []asm.Instruction{
		asm.StMem(asm.SizeW, asm.R10, -8, 0x6b6f2121), // "!!ok" little-endian
		asm.Mov64Reg(asm.R1, asm.R10),
		asm.Add64Imm(asm.R1, -8),
		asm.Mov64Imm(asm.R2, 4),
		asm.Call(helpers.FnTracePrintk),
		asm.Exit(), // r0 carries the helper's byte count
	})))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	res := rt.FireTracepoint("test", "trace", nil)
	if res[0].Err != nil {
		t.Fatalf("dispatch: %v", res[0].Err)
	}
	if res[0].R0 != 4 {
		t.Errorf("r0 = %d, want 4", res[0].R0)
	}

	lines, dropped := rt.DrainTrace()
	if dropped != 0 {
		t.Errorf("dropped = %d", dropped)
	}
	if len(lines) != 1 || !bytes.Equal(lines[0], []byte("!!ok")) {
		t.Errorf("trace = %q", lines)
	}

	if lines, _ := rt.DrainTrace(); len(lines) != 0 {
		t.Errorf("second drain returned %d lines", len(lines))
	}
}

func TestHelperClockAndTime(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Load(image(progSection("timer", []asm.Instruction{
		asm.Call(helpers.FnKtimeGetNs),
		asm.Exit(),
	})))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	res := rt.Dispatch(types.TimerAttachPoint, nil)
	if res[0].Err != nil {
		t.Fatalf("dispatch: %v", res[0].Err)
	}
	if res[0].R0 != 12345 {
		t.Errorf("r0 = %d, want 12345", res[0].R0)
	}
}

func TestMapUpdateFromProgram(t *testing.T) {
	rt := newRuntime(t)
	mapID, err := rt.CreateMap(maps.Def{
		Name:       "counters",
		Type:       maps.TypeHash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 16,
	})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}

	_, err = rt.Load(image(progSection("tracepoint/test/map", []asm.Instruction{
		asm.StMem(asm.SizeW, asm.R10, -4, 1),    // key
		asm.StMem(asm.SizeDW, asm.R10, -16, 99), // value
		asm.Mov64Imm(asm.R1, int32(mapID)),
		asm.Mov64Reg(asm.R2, asm.R10),
		asm.Add64Imm(asm.R2, -4),
		asm.Mov64Reg(asm.R3, asm.R10),
		asm.Add64Imm(asm.R3, -16),
		asm.Call(helpers.FnMapUpdateElem),
		asm.Mov64Imm(asm.R0, 0),
		asm.Exit(),
	})))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	res := rt.FireTracepoint("test", "map", nil)
	if res[0].Err != nil {
		t.Fatalf("dispatch: %v", res[0].Err)
	}
	if res[0].R0 != 0 {
		t.Errorf("r0 = %d, want 0", res[0].R0)
	}

	m, err := rt.Maps().Get(mapID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, 1)
	val, err := m.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got := binary.LittleEndian.Uint64(val); got != 99 {
		t.Errorf("value = %d, want 99", got)
	}
}

func TestTimerDriverTick(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Load(image(progSection("timer", []asm.Instruction{
		asm.LdxMem(asm.SizeDW, asm.R0, asm.R1, 8), // tick sequence
		asm.Exit(),
	})))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	d := NewTimerDriver(rt, 0)
	for want := uint64(1); want <= 3; want++ {
		res := d.Tick()
		if len(res) != 1 || res[0].Err != nil {
			t.Fatalf("tick %d: %+v", want, res)
		}
		if res[0].R0 != want {
			t.Errorf("tick %d r0 = %d", want, res[0].R0)
		}
	}
	if d.Ticks() != 3 {
		t.Errorf("Ticks = %d, want 3", d.Ticks())
	}
}

func TestSignatureEnforcement(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var signer types.Pubkey
	copy(signer[:], pub)

	ring := signing.NewKeyring()
	ring.Trust(signer)
	rt, err := New(Config{
		Clock:            func() uint64 { return 0 },
		RandSeed:         1,
		Keyring:          ring,
		RequireSignature: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sections := []loader.ImageSection{
		loader.LicenseSection("GPL"),
		progSection("timer", []asm.Instruction{
			asm.Mov64Imm(asm.R0, 0),
			asm.Exit(),
		}),
	}
	unsigned := loader.BuildImage(sections)
	if _, err := rt.Load(unsigned); !errors.Is(err, ErrSignatureRequired) {
		t.Fatalf("unsigned Load error = %v, want %v", err, ErrSignatureRequired)
	}

	// Sign over the content the loader derives from the unsigned image.
	obj, err := loader.Parse(unsigned)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sig, err := signing.Sign(priv, signing.SchemeBlake3, obj.SignedContent)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signed := loader.BuildImage(append(sections, loader.SignatureSection(sig)))

	ids, err := rt.Load(signed)
	if err != nil {
		t.Fatalf("signed Load: %v", err)
	}
	p, ok := rt.Table().Get(ids[0])
	if !ok {
		t.Fatal("program not installed")
	}
	if p.Signer != signer {
		t.Errorf("signer = %s, want %s", p.Signer, signer)
	}
}

func TestSignatureUntrustedKeyRejected(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	rt, err := New(Config{
		Clock:    func() uint64 { return 0 },
		RandSeed: 1,
		Keyring:  signing.NewKeyring(), // empty ring
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sections := []loader.ImageSection{
		loader.LicenseSection("GPL"),
		progSection("timer", []asm.Instruction{
			asm.Mov64Imm(asm.R0, 0),
			asm.Exit(),
		}),
	}
	obj, err := loader.Parse(loader.BuildImage(sections))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sig, err := signing.Sign(priv, signing.SchemeBlake3, obj.SignedContent)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signed := loader.BuildImage(append(sections, loader.SignatureSection(sig)))

	if _, err := rt.Load(signed); !errors.Is(err, signing.ErrUntrustedKey) {
		t.Errorf("Load error = %v, want %v", err, signing.ErrUntrustedKey)
	}
}

func TestTableListOrder(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Load(image(
		progSection("tracepoint/test/b", []asm.Instruction{
			asm.Mov64Imm(asm.R0, 0),
			asm.Exit(),
		}),
		progSection("tracepoint/test/a", []asm.Instruction{
			asm.Mov64Imm(asm.R0, 1),
			asm.Exit(),
		}),
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	list := rt.Table().List()
	if len(list) != 2 {
		t.Fatalf("got %d programs", len(list))
	}
	if list[0].Section != "tracepoint/test/a" || list[1].Section != "tracepoint/test/b" {
		t.Errorf("order = %s, %s", list[0].Section, list[1].Section)
	}
}
