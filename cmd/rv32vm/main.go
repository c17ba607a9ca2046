// Command rv32vm wires a System, one or more harts, and an ATA
// controller together from a small YAML manifest. It is deliberately
// thin: the manifest format, image loading, and progress reporting live
// here, while every actual VM semantic lives in internal/rv32 and
// internal/devices/ata.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rv32hart/internal/devices/ata"
	"github.com/tinyrange/rv32hart/internal/rv32"
)

// manifest describes a VM the way a caller wants it built: hart count,
// RAM base/size, and the disk image to attach. It is consumed only
// here — internal/rv32 and internal/devices/ata take explicit
// constructor arguments and never parse configuration themselves.
type manifest struct {
	Harts     int      `yaml:"harts"`
	RAMBase   uint32   `yaml:"ram_base"`
	RAMPages  int      `yaml:"ram_pages"`
	EntryPC   uint32   `yaml:"entry_pc"`
	DiskImage string   `yaml:"disk_image"`
	LoadImage []loadOp `yaml:"load"`
}

type loadOp struct {
	File string `yaml:"file"`
	Addr uint32 `yaml:"addr"`
}

// defaultRAMBase is the guest physical address RAM starts at, matching
// the reference core's placement of guest RAM at 0x80000000.
const defaultRAMBase = 0x80000000

func defaultManifest() manifest {
	return manifest{Harts: 1, RAMBase: defaultRAMBase, RAMPages: 256, EntryPC: defaultRAMBase}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rv32vm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	manifestPath := flag.String("manifest", "", "path to a YAML VM manifest")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	m := defaultManifest()
	if *manifestPath != "" {
		loaded, err := loadManifest(*manifestPath)
		if err != nil {
			return fmt.Errorf("loading manifest: %w", err)
		}
		m = loaded
	}

	sys, harts, err := buildVM(m)
	if err != nil {
		return err
	}
	defer sys.DestroyVM()

	slog.Info("VM ready", "harts", len(harts), "ram_bytes", sys.Mem.Len(), "entry_pc", m.EntryPC)

	// rv32vm does not ship an instruction decoder; wiring an
	// Interpreter and driving rv32.Run per hart is left to whatever
	// embeds this package, per spec §6's "external Interpreter"
	// boundary.
	return nil
}

func loadManifest(path string) (manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return manifest{}, err
	}
	defer f.Close()

	m := defaultManifest()
	if err := yaml.NewDecoder(f).Decode(&m); err != nil {
		return manifest{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if m.Harts <= 0 {
		return manifest{}, errors.New("manifest: harts must be positive")
	}
	return m, nil
}

func buildVM(m manifest) (*rv32.System, []*rv32.Hart, error) {
	sys := rv32.NewSystem(m.RAMBase, uint32(m.RAMPages)*rv32.PageSize)

	harts, err := sys.CreateVM(m.Harts, m.EntryPC)
	if err != nil {
		return nil, nil, err
	}

	for _, op := range m.LoadImage {
		if err := loadImage(sys, op); err != nil {
			return nil, nil, fmt.Errorf("loading %s: %w", op.File, err)
		}
	}

	if m.DiskImage != "" {
		if err := attachDisk(sys, m.DiskImage); err != nil {
			return nil, nil, err
		}
	}

	return sys, harts, nil
}

// loadImage copies a file's contents into guest RAM at addr, driving a
// progress bar for anything large enough that a human would otherwise
// wonder if the process hung.
func loadImage(sys *rv32.System, op loadOp) error {
	f, err := os.Open(op.File)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()

	dst := sys.Mem.Slice(op.Addr, uint32(size))

	const progressThreshold = 1 << 20
	if size < progressThreshold {
		_, err = io.ReadFull(f, dst)
		return err
	}

	bar := progressbar.DefaultBytes(size, fmt.Sprintf("loading %s", op.File))
	_, err = progressbarCopy(dst, f, bar)
	return err
}

func progressbarCopy(dst []byte, f *os.File, bar *progressbar.ProgressBar) (int, error) {
	total := 0
	const chunk = 1 << 16
	for total < len(dst) {
		end := total + chunk
		if end > len(dst) {
			end = len(dst)
		}
		n, err := f.Read(dst[total:end])
		total += n
		_ = bar.Add(n)
		if err != nil {
			if errors.Is(err, io.EOF) && total == len(dst) {
				break
			}
			return total, err
		}
	}
	_ = bar.Finish()
	return total, nil
}

func attachDisk(sys *rv32.System, path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	drive, err := ata.NewDrive(f)
	if err != nil {
		return err
	}
	ctrl := ata.NewController(drive, nil)

	base := sys.Mem.End() + rv32.ClintRegionSize*uint32(sys.NumHarts())
	return sys.MMIO.AddMMIO(base, ata.TotalRegionSize, ctrl)
}
