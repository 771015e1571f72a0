// Package loadtest drives a document controller with concurrent clients.
//
// It seeds a documents directory, lets a number of workers create, rename,
// duplicate, load and delete documents at random, records per-operation
// latency, and afterwards verifies that the collection and the file system
// still agree.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/docshelf/internal/controller"
	"github.com/mschirtzinger/docshelf/internal/coord"
	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/document"
	"github.com/mschirtzinger/docshelf/internal/reference"
	"github.com/mschirtzinger/docshelf/internal/ubiquity"
)

// Op names a controller operation exercised by the load test.
type Op string

const (
	OpCreate    Op = "create"
	OpRename    Op = "rename"
	OpDuplicate Op = "duplicate"
	OpLoad      Op = "load"
	OpDelete    Op = "delete"
)

// Ops lists the operations in reporting order.
var Ops = []Op{OpCreate, OpRename, OpDuplicate, OpLoad, OpDelete}

// mix is the weighted operation distribution: reads dominate.
var mix = []Op{
	OpLoad, OpLoad, OpLoad, OpLoad,
	OpRename, OpRename,
	OpCreate, OpCreate,
	OpDuplicate,
	OpDelete,
}

// Config defines the parameters for a load test run.
type Config struct {
	// Workers is the number of concurrent clients.
	Workers int

	// Documents is the number of documents seeded before the run.
	Documents int

	// OpsPerWorker is how many operations each client performs.
	OpsPerWorker int

	// Cloud runs against a remote store mirrored to a local directory.
	Cloud bool

	// Seed makes the operation sequence reproducible.
	Seed int64
}

// DefaultConfig returns a load test configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      16,
		Documents:    100,
		OpsPerWorker: 25,
		Seed:         42,
	}
}

// LatencyStats captures latency metrics for one kind of operation.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`

	// Stale counts operations that found their document already deleted
	// or moved by another client.
	Stale int `json:"stale"`

	// Errors counts operations that failed for any other reason.
	Errors int `json:"errors"`
}

// Result captures all metrics from a run.
type Result struct {
	Config Config `json:"config"`

	Ops     map[Op]*LatencyStats `json:"ops"`
	Overall *LatencyStats        `json:"overall"`

	TotalDuration time.Duration `json:"total_duration"`
	OpsPerSecond  float64       `json:"ops_per_second"`

	// Documents is the collection size after the run.
	Documents int `json:"documents"`

	// PeakHeapMB is the largest heap observed during the run.
	PeakHeapMB float64 `json:"peak_heap_mb"`

	// FirstErrors holds a few failure messages for diagnosis.
	FirstErrors []string `json:"first_errors,omitempty"`
}

// Errors returns the number of failed operations.
func (r *Result) Errors() int {
	return r.Overall.Errors
}

type sample struct {
	op      Op
	elapsed time.Duration
	err     error
	stale   bool
}

// Run seeds a shelf under dir and runs the load test against it.
func Run(ctx context.Context, dir string, cfg Config, logger *zap.Logger) (*Result, error) {
	if cfg.Workers < 1 || cfg.OpsPerWorker < 1 {
		return nil, fmt.Errorf("workers and ops per worker must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := openShelf(ctx, dir, cfg.Cloud, logger)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := seed(ctx, c, cfg.Documents); err != nil {
		return nil, err
	}

	var peak uint64
	stopSampling := sampleHeap(&peak)

	samples := make(chan sample, cfg.Workers*cfg.OpsPerWorker)
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(cfg.Seed + int64(worker)))
			for i := 0; i < cfg.OpsPerWorker; i++ {
				if ctx.Err() != nil {
					return
				}
				samples <- perform(ctx, c, rng, worker, i)
			}
		}(w)
	}
	wg.Wait()
	close(samples)

	total := time.Since(start)
	stopSampling()

	res := collect(samples)
	res.Config = cfg
	res.TotalDuration = total
	if total > 0 {
		res.OpsPerSecond = float64(res.Overall.Count) / total.Seconds()
	}
	res.Documents = len(c.Snapshot())
	res.PeakHeapMB = float64(peak) / (1024 * 1024)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := Verify(c); err != nil {
		return res, err
	}
	return res, nil
}

func openShelf(ctx context.Context, dir string, cloud bool, logger *zap.Logger) (*controller.Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	co := coord.New(logger)
	cc := controller.DefaultConfig(filepath.Join(dir, "Documents"))
	cc.Coordinator = co
	cc.WatchDebounce = 0
	cc.Logger = logger

	if cloud {
		mirror, err := ubiquity.NewDirMirror(filepath.Join(dir, "Remote"))
		if err != nil {
			return nil, err
		}
		ccfg := ubiquity.DefaultContainerConfig(filepath.Join(dir, "Cloud"))
		ccfg.RemoteSyncInterval = 0
		ct, err := ubiquity.OpenContainer(ccfg, mirror, co, logger)
		if err != nil {
			return nil, err
		}
		cc.Provider = ct
	}
	return controller.Open(ctx, cc)
}

// seed creates n documents and moves them to the remote store when it is
// enabled.
func seed(ctx context.Context, c *controller.Controller, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, ref, err := c.CreateNewDocument(gctx)
			if err != nil {
				return fmt.Errorf("failed to seed document %d: %w", i, err)
			}
			return c.RenameDocument(gctx, ref, fmt.Sprintf("Seed %03d", i))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if c.DocumentsInCloud() {
		res, err := c.MoveAllLocalDocumentsToCloud(ctx)
		if err != nil {
			return err
		}
		return res.Err()
	}
	return nil
}

func perform(ctx context.Context, c *controller.Controller, rng *rand.Rand, worker, i int) sample {
	op := mix[rng.Intn(len(mix))]
	refs := c.Snapshot()
	if len(refs) == 0 {
		op = OpCreate
	}
	var ref *reference.Reference
	if len(refs) > 0 {
		ref = refs[rng.Intn(len(refs))]
	}

	start := time.Now()
	var err error
	switch op {
	case OpCreate:
		_, _, err = c.CreateNewDocument(ctx)
	case OpRename:
		err = c.RenameDocument(ctx, ref, fmt.Sprintf("Worker %d Doc %d", worker, i))
	case OpDuplicate:
		_, err = c.DuplicateDocument(ctx, ref)
	case OpLoad:
		_, err = ref.Load(ctx)
	case OpDelete:
		err = c.DeleteDocument(ctx, ref)
	}
	s := sample{op: op, elapsed: time.Since(start), err: err}
	if err != nil && errors.Is(err, docerr.ErrNotFound) {
		s.stale, s.err = true, nil
	}
	return s
}

func collect(samples <-chan sample) *Result {
	byOp := make(map[Op][]time.Duration)
	stale := make(map[Op]int)
	errs := make(map[Op]int)
	var all []time.Duration
	var first []string

	for s := range samples {
		byOp[s.op] = append(byOp[s.op], s.elapsed)
		all = append(all, s.elapsed)
		switch {
		case s.stale:
			stale[s.op]++
		case s.err != nil:
			errs[s.op]++
			if len(first) < 5 {
				first = append(first, fmt.Sprintf("%s: %v", s.op, s.err))
			}
		}
	}

	res := &Result{Ops: make(map[Op]*LatencyStats), FirstErrors: first}
	overall := computeLatencyStats(all)
	for _, op := range Ops {
		st := computeLatencyStats(byOp[op])
		st.Stale = stale[op]
		st.Errors = errs[op]
		overall.Stale += st.Stale
		overall.Errors += st.Errors
		res.Ops[op] = st
	}
	res.Overall = overall
	return res
}

// sampleHeap records the peak heap size until the returned stop function
// is called.
func sampleHeap(peak *uint64) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		var ms runtime.MemStats
		for {
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > *peak {
				*peak = ms.HeapAlloc
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Verify checks that the collection and the documents directories agree:
// every reference points at a distinct file name, every local reference's
// file exists, and every document file has a reference.
func Verify(c *controller.Controller) error {
	var problems []string
	names := make(map[string]string)
	paths := make(map[string]bool)

	for _, r := range c.Snapshot() {
		path := r.Path()
		paths[path] = true
		key := strings.ToLower(path)
		if prev, dup := names[key]; dup {
			problems = append(problems, fmt.Sprintf("%s and %s share %s", prev, r.ID(), filepath.Base(path)))
		}
		names[key] = r.ID().String()

		st := r.Status()
		if (!st.Ubiquitous || st.Downloaded) && !exists(path) {
			problems = append(problems, fmt.Sprintf("%s: file %s is missing", r.ID(), path))
		}
	}

	dirs := []string{c.DocumentsDir()}
	if p := c.Provider(); p != nil {
		dirs = append(dirs, p.DocumentsDir())
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") || document.IsTempFile(name) || !strings.EqualFold(filepath.Ext(name), c.Extension()) {
				continue
			}
			if !paths[filepath.Join(dir, name)] {
				problems = append(problems, fmt.Sprintf("%s has no reference", name))
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("collection inconsistent (%d problems):\n  %s", len(problems), strings.Join(problems, "\n  "))
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Print writes a human-readable report of r to w.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test: %d workers × %d ops, %d seeded documents",
		r.Config.Workers, r.Config.OpsPerWorker, r.Config.Documents)
	if r.Config.Cloud {
		fmt.Fprint(w, " (cloud)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Duration:   %v\n", r.TotalDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Throughput: %.1f ops/s\n", r.OpsPerSecond)
	fmt.Fprintf(w, "  Documents:  %d after run\n", r.Documents)
	fmt.Fprintf(w, "  Peak heap:  %.1f MB\n\n", r.PeakHeapMB)

	fmt.Fprintf(w, "  %-10s %6s %10s %10s %10s %10s %6s %6s\n", "OP", "COUNT", "P50", "P95", "P99", "MAX", "STALE", "ERRORS")
	row := func(name string, s *LatencyStats) {
		fmt.Fprintf(w, "  %-10s %6d %10v %10v %10v %10v %6d %6d\n", name, s.Count,
			s.P50.Round(time.Microsecond), s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond), s.Max.Round(time.Microsecond), s.Stale, s.Errors)
	}
	for _, op := range Ops {
		row(string(op), r.Ops[op])
	}
	row("all", r.Overall)

	for _, e := range r.FirstErrors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
