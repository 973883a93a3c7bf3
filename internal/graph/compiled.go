package graph

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

type boundTensor struct {
	id device.ValueID
	t  *tensor.Tensor
}

// CompiledGraph owns a compiled backend runtime and the external binding
// table. Run is synchronous and not safe for concurrent use; the bindings
// and runtime are mutated in place.
type CompiledGraph struct {
	sub     device.Subgraph
	runtime device.Runtime
	bound   []boundTensor

	profiling bool
	csvPath   string
	csvFile   *os.File
	csvW      *csv.Writer
}

// SetupRuntime rebuilds the external binding table from the bound tensors'
// current buffers. The backend snapshots pointers, not tensors, so this must
// run again after any Borrow or Slice rebases a bound tensor.
func (g *CompiledGraph) SetupRuntime() error {
	bindings := make([]device.Binding, len(g.bound))
	for i, bt := range g.bound {
		bindings[i] = device.Binding{ID: bt.id, Data: bt.t.Data()}
	}
	if err := g.runtime.Setup(bindings); err != nil {
		return fmt.Errorf("graph setup: %w", err)
	}
	return nil
}

// Run executes one synchronous forward pass. With profiling enabled the
// per-node timings feed the kernel metrics and, if a CSV path was
// configured, append to the timing dump.
func (g *CompiledGraph) Run() error {
	if err := g.runtime.Invoke(); err != nil {
		return fmt.Errorf("graph run: %w", err)
	}
	if !g.profiling {
		return nil
	}
	profile, ok := g.runtime.Profile()
	if !ok {
		return nil
	}
	for _, p := range profile {
		metrics.RecordKernel(p.Kind.String(), p.Duration)
	}
	if g.csvPath != "" {
		if err := g.appendProfileCSV(profile); err != nil {
			return fmt.Errorf("graph run: %w", err)
		}
	}
	return nil
}

func (g *CompiledGraph) appendProfileCSV(profile []device.OpProfile) error {
	if g.csvW == nil {
		f, err := os.OpenFile(g.csvPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("profile csv: %w", err)
		}
		g.csvFile = f
		g.csvW = csv.NewWriter(f)
		info, err := f.Stat()
		if err == nil && info.Size() == 0 {
			if err := g.csvW.Write([]string{"node", "op", "duration_us"}); err != nil {
				return fmt.Errorf("profile csv: %w", err)
			}
		}
	}
	for _, p := range profile {
		row := []string{p.Label, p.Kind.String(), strconv.FormatInt(p.Duration.Microseconds(), 10)}
		if err := g.csvW.Write(row); err != nil {
			return fmt.Errorf("profile csv: %w", err)
		}
	}
	g.csvW.Flush()
	return g.csvW.Error()
}

// Close releases the runtime before the subgraph, then the CSV sink.
func (g *CompiledGraph) Close() error {
	var first error
	if g.runtime != nil {
		if err := g.runtime.Close(); err != nil && first == nil {
			first = err
		}
		g.runtime = nil
	}
	if g.sub != nil {
		if err := g.sub.Close(); err != nil && first == nil {
			first = err
		}
		g.sub = nil
	}
	if g.csvFile != nil {
		g.csvW.Flush()
		if err := g.csvFile.Close(); err != nil && first == nil {
			first = err
		}
		g.csvFile = nil
	}
	return first
}
