// kbpf: sandboxed bytecode runtime host.
//
// kbpf loads program object files, verifies them, and runs them against
// tracepoint and timer events. Maps and pinned objects persist under the
// data directory across restarts.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/axiomos/kbpf/internal/types"
	"github.com/axiomos/kbpf/pkg/bpf/asm"
	"github.com/axiomos/kbpf/pkg/bpf/loader"
	"github.com/axiomos/kbpf/pkg/bpf/maps"
	"github.com/axiomos/kbpf/pkg/bpf/runtime"
	"github.com/axiomos/kbpf/pkg/bpf/signing"
	"github.com/axiomos/kbpf/pkg/mapstore"
	"github.com/axiomos/kbpf/pkg/pinstore"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	dataDir       = flag.String("data-dir", "/var/lib/kbpf", "Data directory for pinned objects and map snapshots")
	timerInterval = flag.Duration("timer-interval", time.Second, "Timer channel tick interval")
	trustedKeys   = flag.String("trusted-keys", "", "Comma-separated base58 signer keys to trust")
	requireSig    = flag.Bool("require-signature", false, "Reject unsigned objects")
	pin           = flag.Bool("pin", false, "Pin loaded objects so they survive restarts")
	fire          = flag.String("fire", "", "Dispatch one event at the given attach point (e.g. tracepoint/demo/hello or timer) and exit")
	fireCtx       = flag.String("fire-ctx", "", "Hex context bytes for -fire")
	listProgs     = flag.Bool("list", false, "List installed programs and exit")
	inspect       = flag.String("inspect", "", "Disassemble an object file and exit")
	demo          = flag.Bool("demo", false, "Load a built-in demo object")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("kbpf %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *inspect != "" {
		if err := inspectObject(*inspect); err != nil {
			log.Fatalf("inspect %s: %v", *inspect, err)
		}
		return
	}

	conf := runtime.Config{RequireSignature: *requireSig}
	if *trustedKeys != "" || *requireSig {
		ring := signing.NewKeyring()
		for _, s := range strings.Split(*trustedKeys, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			pub, err := types.PubkeyFromBase58(s)
			if err != nil {
				log.Fatalf("bad trusted key %q: %v", s, err)
			}
			ring.Trust(pub)
		}
		conf.Keyring = ring
	}

	rt, err := runtime.New(conf)
	if err != nil {
		log.Fatalf("create runtime: %v", err)
	}

	// Persistent state: map snapshots and pinned objects.
	ms, err := mapstore.Open(mapstore.Config{Path: filepath.Join(*dataDir, "maps")})
	if err != nil {
		log.Fatalf("open mapstore: %v", err)
	}
	defer ms.Close()

	if n, err := ms.Restore(rt.Maps()); err != nil {
		log.Fatalf("restore maps: %v", err)
	} else if n > 0 {
		log.Printf("Restored %d maps", n)
	}

	ps, err := pinstore.Open(pinstore.Config{Path: filepath.Join(*dataDir, "pins.db")})
	if err != nil {
		log.Fatalf("open pinstore: %v", err)
	}
	defer ps.Close()

	results, err := ps.Restore(rt)
	if err != nil {
		log.Fatalf("restore pins: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			log.Printf("Warning: pin %q failed to load: %v", r.Name, r.Err)
			continue
		}
		log.Printf("Restored pin %q (%d programs)", r.Name, len(r.ProgramIDs))
	}

	if *demo {
		if err := loadDemo(rt); err != nil {
			log.Fatalf("load demo: %v", err)
		}
	}

	for _, path := range flag.Args() {
		image, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		ids, err := rt.Load(image)
		if err != nil {
			log.Fatalf("load %s: %v", path, err)
		}
		for _, id := range ids {
			log.Printf("Loaded %s from %s", id.Short(), path)
		}
		if *pin {
			name := filepath.Base(path)
			err := ps.Pin(name, image, pinstore.PinMeta{ProgramIDs: ids})
			if err != nil {
				log.Fatalf("pin %s: %v", name, err)
			}
			log.Printf("Pinned %q", name)
		}
	}

	if *listProgs {
		printPrograms(rt)
		return
	}

	if *fire != "" {
		if err := fireOnce(rt, *fire, *fireCtx); err != nil {
			log.Fatalf("fire %s: %v", *fire, err)
		}
		if err := ms.Snapshot(rt.Maps()); err != nil {
			log.Printf("Warning: map snapshot failed: %v", err)
		}
		return
	}

	// Daemon mode: run the timer channel until interrupted.
	log.Printf("Starting kbpf %s", Version)
	printPrograms(rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	driver := runtime.NewTimerDriver(rt, *timerInterval)
	driver.Start(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			driver.Stop()
			drainTrace(rt)
			if err := ms.Snapshot(rt.Maps()); err != nil {
				log.Printf("Warning: map snapshot failed: %v", err)
			}
			log.Printf("Dispatched %d timer ticks", driver.Ticks())
			return
		case <-ticker.C:
			drainTrace(rt)
		}
	}
}

func printPrograms(rt *runtime.Runtime) {
	progs := rt.Table().List()
	log.Printf("%d programs installed", len(progs))
	for _, p := range progs {
		log.Printf("  %s  %-32s budget=%d license=%s", p.ID.Short(), p.Section, p.Budget, p.License)
	}
}

func drainTrace(rt *runtime.Runtime) {
	lines, dropped := rt.DrainTrace()
	for _, line := range lines {
		log.Printf("trace: %s", line)
	}
	if dropped > 0 {
		log.Printf("trace: %d lines dropped", dropped)
	}
}

func fireOnce(rt *runtime.Runtime, point, ctxHex string) error {
	ap, err := types.ParseAttachPoint(point)
	if err != nil {
		return err
	}
	var ctx []byte
	if ctxHex != "" {
		ctx, err = hex.DecodeString(ctxHex)
		if err != nil {
			return fmt.Errorf("bad -fire-ctx: %w", err)
		}
	}
	results := rt.Dispatch(ap, ctx)
	if len(results) == 0 {
		log.Printf("No programs attached to %s", ap)
		return nil
	}
	for _, r := range results {
		if r.Err != nil {
			log.Printf("%s: fault: %v", r.ID.Short(), r.Err)
			continue
		}
		log.Printf("%s: r0=%d", r.ID.Short(), r.R0)
	}
	drainTrace(rt)
	return nil
}

func inspectObject(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	obj, err := loader.Parse(image)
	if err != nil {
		return err
	}
	fmt.Printf("license: %s\n", obj.License)
	if obj.Signature != nil {
		fmt.Printf("signature: %d bytes\n", len(obj.Signature))
	}
	for _, p := range obj.Programs {
		insns, err := asm.Decode(p.Text)
		if err != nil {
			return fmt.Errorf("section %q: %w", p.Section, err)
		}
		fmt.Printf("\n%s (%s):\n", p.Section, p.ID.Short())
		fmt.Print(asm.Disasm(insns))
	}
	return nil
}

// loadDemo installs a small built-in object: a tracepoint program recording
// events into a map and a timer program emitting a trace line per tick.
func loadDemo(rt *runtime.Runtime) error {
	mapID, err := rt.CreateMap(maps.Def{
		Name:       "demo_counts",
		Type:       maps.TypeHash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 64,
	})
	if err != nil {
		return err
	}

	counter := []asm.Instruction{
		asm.StMem(asm.SizeW, asm.R10, -4, 0),    // key 0
		asm.StMem(asm.SizeDW, asm.R10, -16, 1),  // value 1
		asm.Mov64Imm(asm.R1, int32(mapID)),
		asm.Mov64Reg(asm.R2, asm.R10),
		asm.Add64Imm(asm.R2, -4),
		asm.Mov64Reg(asm.R3, asm.R10),
		asm.Add64Imm(asm.R3, -16),
		asm.Call(3), // map_lookup_elem
		asm.Mov64Imm(asm.R1, int32(mapID)),
		asm.Mov64Reg(asm.R2, asm.R10),
		asm.Add64Imm(asm.R2, -4),
		asm.Mov64Reg(asm.R3, asm.R10),
		asm.Add64Imm(asm.R3, -16),
		asm.Call(4), // map_update_elem
		asm.Mov64Imm(asm.R0, 0),
		asm.Exit(),
	}

	ticker := []asm.Instruction{
		asm.StMem(asm.SizeW, asm.R10, -8, 0x6b636974), // "tick"
		asm.Mov64Reg(asm.R1, asm.R10),
		asm.Add64Imm(asm.R1, -8),
		asm.Mov64Imm(asm.R2, 4),
		asm.Call(2), // trace_printk
		asm.Mov64Imm(asm.R0, 0),
		asm.Exit(),
	}

	image := loader.BuildImage([]loader.ImageSection{
		loader.LicenseSection("MIT"),
		loader.ProgbitsSection("tracepoint/demo/hello", asm.Marshal(counter)),
		loader.ProgbitsSection("timer", asm.Marshal(ticker)),
	})
	ids, err := rt.Load(image)
	if err != nil {
		return err
	}
	log.Printf("Demo object loaded: %d programs", len(ids))
	return nil
}
