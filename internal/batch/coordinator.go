// Package batch processes document sets concurrently while keeping the
// store single-writer: a bounded pool of workers runs detection and
// grouping, and the coordinator alone assigns and persists, in document
// order, so a given document set always converges to the same store
// state no matter how the workers interleave.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veil-ai/veil/internal/detect"
	"github.com/veil-ai/veil/internal/entity"
	"github.com/veil-ai/veil/internal/pipeline"
	"github.com/veil-ai/veil/internal/pseudonym"
	"github.com/veil-ai/veil/internal/redact"
	"github.com/veil-ai/veil/internal/store"
	"github.com/veil-ai/veil/internal/telemetry"
)

// Document is one unit of batch input.
type Document struct {
	ID   string
	Text string
}

// State is a document's position in the processing lifecycle.
type State string

const (
	StateQueued        State = "queued"
	StateDetecting     State = "detecting"
	StateGrouping      State = "grouping"
	StateAwaitingWrite State = "awaiting-write"
	StateWritten       State = "written"
	StateFailed        State = "failed"
	// StateAbandoned marks documents never written because the batch was
	// canceled or aborted before their turn.
	StateAbandoned State = "abandoned"
)

// DocumentResult is the final outcome for one document.
type DocumentResult struct {
	ID     string
	State  State
	Output string
	New    int
	Reused int
	Err    error
}

// Summary reports exactly what happened to every document.
type Summary struct {
	Results   []DocumentResult
	Written   int
	Failed    int
	Abandoned int
}

// DetectorFactory builds one detector per worker. The NER session holds
// per-instance mutable state, so detectors are never shared across
// goroutines.
type DetectorFactory func() (detect.Detector, error)

// Coordinator owns the write side of a batch.
type Coordinator struct {
	store       *store.Store
	source      pseudonym.Source
	newDetector DetectorFactory
	workers     int
	metrics     *telemetry.Provider
}

// Option tweaks coordinator construction.
type Option func(*Coordinator)

// WithWorkers overrides the worker pool size.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMetrics installs a telemetry provider.
func WithMetrics(m *telemetry.Provider) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(st *store.Store, source pseudonym.Source, factory DetectorFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		source:      source,
		newDetector: factory,
		workers:     defaultWorkers(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func defaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// prepared is what crosses the worker→coordinator boundary: plain span
// and entity data, nothing model-shaped.
type prepared struct {
	idx   int
	canon []entity.Canonical
	err   error
	empty bool
}

// Run processes the documents and returns a summary accounting for
// every one of them. One document's failure is recorded and isolated;
// only a store-level failure aborts the batch. Cancellation stops
// dispatch and abandons unwritten documents without partial writes.
func (c *Coordinator) Run(ctx context.Context, docs []Document) (*Summary, error) {
	summary := &Summary{Results: make([]DocumentResult, len(docs))}
	for i, d := range docs {
		summary.Results[i] = DocumentResult{ID: d.ID, State: StateQueued}
	}
	if len(docs) == 0 {
		return summary, nil
	}

	start := time.Now()
	workers := c.workers
	if workers > len(docs) {
		workers = len(docs)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	results := make(chan prepared)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer close(jobs)
		for i := range docs {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			det, err := c.newDetector()
			if err != nil {
				return fmt.Errorf("start worker detector: %w", err)
			}
			p := pipeline.New(det, c.store, c.source)
			for idx := range jobs {
				pr := c.prepare(gctx, p, summary, idx, docs[idx].Text)
				select {
				case results <- pr:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	// The coordinator is the single writer. Results are buffered and
	// committed in document order, so the final store state depends only
	// on the document set, never on worker interleaving.
	var fatal error
	commitPipe := pipeline.New(nil, c.store, c.source, pipeline.WithMetrics(c.metrics))
	pending := map[int]prepared{}
	next := 0
	for pr := range results {
		pending[pr.idx] = pr
		for {
			buf, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if fatal != nil || runCtx.Err() != nil {
				continue
			}
			if err := c.commit(runCtx, commitPipe, summary, docs, buf); err != nil {
				fatal = err
				cancel()
			}
		}
	}

	groupErr := g.Wait()

	// Anything not written or failed was abandoned.
	for i := range summary.Results {
		switch summary.Results[i].State {
		case StateWritten:
			summary.Written++
		case StateFailed:
			summary.Failed++
		default:
			summary.Results[i].State = StateAbandoned
			summary.Abandoned++
		}
	}

	if fatal == nil {
		if err := c.store.LogOperation(ctx, store.OperationEntry{
			Kind:        store.OpBatch,
			EntityCount: batchEntities(summary),
			Duration:    time.Since(start),
			Success:     summary.Failed == 0 && summary.Abandoned == 0,
			Detail: fmt.Sprintf("%d written, %d failed, %d abandoned",
				summary.Written, summary.Failed, summary.Abandoned),
		}); err != nil {
			redact.Logf("[batch] audit entry failed: %v", err)
		}
	}

	switch {
	case fatal != nil:
		return summary, fatal
	case ctx.Err() != nil:
		return summary, ctx.Err()
	case groupErr != nil:
		return summary, groupErr
	}
	return summary, nil
}

// prepare runs the read-only half of the flow on a worker.
func (c *Coordinator) prepare(ctx context.Context, p *pipeline.Pipeline, summary *Summary, idx int, text string) prepared {
	pr := prepared{idx: idx}

	summary.Results[idx].State = StateDetecting
	spans, err := p.Detect(ctx, text)
	if err != nil {
		pr.err = fmt.Errorf("detect: %w", err)
		return pr
	}
	if len(spans) == 0 {
		pr.empty = true
		return pr
	}

	summary.Results[idx].State = StateGrouping
	pr.canon, err = p.Group(ctx, spans)
	if err != nil {
		pr.err = fmt.Errorf("group: %w", err)
	}
	return pr
}

// commit runs the write half on the coordinator goroutine. A returned
// error is fatal to the batch; per-document failures are absorbed into
// the summary.
func (c *Coordinator) commit(ctx context.Context, p *pipeline.Pipeline, summary *Summary, docs []Document, pr prepared) error {
	r := &summary.Results[pr.idx]

	if pr.err != nil {
		r.State = StateFailed
		r.Err = pr.err
		c.metrics.RecordBatchFailure()
		redact.Logf("[batch] document %s failed: %v", r.ID, pr.err)
		return nil
	}
	if pr.empty {
		r.State = StateWritten
		r.Output = docs[pr.idx].Text
		return nil
	}

	r.State = StateAwaitingWrite

	// The worker grouped against the store as it stood mid-batch. Regroup
	// against the literals earlier documents have since written, so
	// variant joining never depends on worker timing.
	canon, err := p.Group(ctx, flatten(pr.canon))
	if err != nil {
		r.State = StateFailed
		r.Err = err
		c.metrics.RecordBatchFailure()
		return nil
	}

	res, err := p.Commit(ctx, docs[pr.idx].Text, canon)
	if err != nil {
		if storeFatal(err) {
			r.State = StateFailed
			r.Err = err
			return err
		}
		r.State = StateFailed
		r.Err = err
		c.metrics.RecordBatchFailure()
		redact.Logf("[batch] document %s failed: %v", r.ID, err)
		return nil
	}

	r.State = StateWritten
	r.Output = res.Output
	r.New = res.New
	r.Reused = res.Reused
	return nil
}

func flatten(canon []entity.Canonical) []entity.Span {
	var spans []entity.Span
	for _, c := range canon {
		spans = append(spans, c.Members...)
	}
	return spans
}

// storeFatal reports errors that make the repository itself unusable.
func storeFatal(err error) bool {
	return errors.Is(err, store.ErrStoreUnusable) ||
		errors.Is(err, store.ErrBadPassphrase) ||
		errors.Is(err, store.ErrSchemaMismatch)
}

func batchEntities(s *Summary) int {
	total := 0
	for _, r := range s.Results {
		total += r.New + r.Reused
	}
	return total
}
