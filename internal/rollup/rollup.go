// Package rollup aggregates a property across the documents a relation property points at.
package rollup

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pagewise/api/internal/formula"
	"pagewise/api/internal/logging"
	"pagewise/api/internal/rbac"
	"pagewise/api/internal/store"
)

type Function string

const (
	Count        Function = "count"
	Sum          Function = "sum"
	Avg          Function = "avg"
	Min          Function = "min"
	Max          Function = "max"
	ShowOriginal Function = "show_original"
)

func (f Function) Valid() bool {
	switch f {
	case Count, Sum, Avg, Min, Max, ShowOriginal:
		return true
	}
	return false
}

const (
	DefaultBatchSize   = 30
	DefaultParallelism = 4
)

// BatchGetter reads live documents by id. Missing ids are left out of the result.
type BatchGetter interface {
	GetDocumentsBatch(ctx context.Context, ids []string) ([]store.Document, error)
}

// Authorizer decides whether the actor may read a related document. Documents it denies
// are left out of the aggregation.
type Authorizer interface {
	Decide(ctx context.Context, actorID string, doc store.Document, action rbac.Action) (rbac.Role, bool, error)
}

// Key identifies one computed rollup. RelatedIDs is the de-duplicated relation value. The
// value depends on what ActorID may read, so entries are never shared between actors.
type Key struct {
	DocumentID string
	ActorID    string
	Relation   string
	Property   string
	Function   Function
	RelatedIDs []string
}

// Cache stores computed rollups. Implementations must drop an entry when any of its
// RelatedIDs changes.
type Cache interface {
	Get(ctx context.Context, key Key) (any, bool, error)
	Set(ctx context.Context, key Key, value any) error
}

type BatchFailureRecorder interface {
	ObserveRollupBatchFailure()
}

type Aggregator struct {
	docs        BatchGetter
	auth        Authorizer
	batchSize   int
	parallelism int
	cache       Cache
	log         logrus.FieldLogger
	recorder    BatchFailureRecorder
}

type Option func(*Aggregator)

// WithBatchSize sets the bulk-read limit of the document store.
func WithBatchSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithParallelism bounds how many batches are fetched at once.
func WithParallelism(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

func WithCache(cache Cache) Option {
	return func(a *Aggregator) { a.cache = cache }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

func WithRecorder(recorder BatchFailureRecorder) Option {
	return func(a *Aggregator) { a.recorder = recorder }
}

// New returns an Aggregator reading through docs. auth is consulted for every related
// document and must not be nil.
func New(docs BatchGetter, auth Authorizer, opts ...Option) *Aggregator {
	a := &Aggregator{
		docs:        docs,
		auth:        auth,
		batchSize:   DefaultBatchSize,
		parallelism: DefaultParallelism,
		log:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Calculate returns the rollup value for doc as seen by actorID: a float64, or a string for
// show_original over text values. Only related documents the actor may read contribute. It
// never fails; problems degrade to 0 and failed batches are left out.
func (a *Aggregator) Calculate(ctx context.Context, actorID string, doc store.Document, cfg store.RollupConfig) any {
	relation, ok := doc.Property(cfg.Relation)
	if !ok || relation.Type != store.PropertyRelation {
		return float64(0)
	}
	ids := relatedIDs(doc.Values[relation.ID])
	if len(ids) == 0 {
		return float64(0)
	}

	key := Key{
		DocumentID: doc.ID,
		ActorID:    actorID,
		Relation:   cfg.Relation,
		Property:   cfg.Property,
		Function:   Function(cfg.Function),
		RelatedIDs: ids,
	}
	if a.cache != nil {
		value, hit, err := a.cache.Get(ctx, key)
		if err != nil {
			a.log.WithError(err).WithField("document_id", doc.ID).Warn("rollup cache read failed")
		} else if hit {
			return value
		}
	}

	related, complete := a.fetch(ctx, ids)
	related, readable := a.readable(ctx, actorID, related)
	complete = complete && readable
	value := aggregate(key.Function, related, cfg.Property)

	if a.cache != nil && complete {
		if err := a.cache.Set(ctx, key, value); err != nil {
			a.log.WithError(err).WithField("document_id", doc.ID).Warn("rollup cache write failed")
		}
	}
	return value
}

// fetch loads ids in batches and returns the documents in relation order. complete is false
// when at least one batch failed.
func (a *Aggregator) fetch(ctx context.Context, ids []string) ([]store.Document, bool) {
	var batches [][]string
	for start := 0; start < len(ids); start += a.batchSize {
		end := min(start+a.batchSize, len(ids))
		batches = append(batches, ids[start:end])
	}

	results := make([][]store.Document, len(batches))
	failed := make([]bool, len(batches))

	var eg errgroup.Group
	eg.SetLimit(a.parallelism)
	for i, batch := range batches {
		eg.Go(func() error {
			docs, err := a.docs.GetDocumentsBatch(ctx, batch)
			if err != nil {
				failed[i] = true
				a.log.WithError(err).WithFields(logrus.Fields{
					"batch":      i,
					"batch_size": len(batch),
				}).Warn("rollup batch fetch failed")
				if a.recorder != nil {
					a.recorder.ObserveRollupBatchFailure()
				}
				return nil
			}
			results[i] = docs
			return nil
		})
	}
	_ = eg.Wait()

	byID := make(map[string]store.Document, len(ids))
	for _, docs := range results {
		for _, d := range docs {
			byID[d.ID] = d
		}
	}
	ordered := make([]store.Document, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			ordered = append(ordered, d)
		}
	}

	complete := true
	for _, f := range failed {
		if f {
			complete = false
		}
	}
	return ordered, complete
}

// readable keeps the documents actorID may read. ok is false when a decision failed; such
// documents are dropped and the result must not be cached.
func (a *Aggregator) readable(ctx context.Context, actorID string, docs []store.Document) ([]store.Document, bool) {
	ok := true
	kept := make([]store.Document, 0, len(docs))
	for _, d := range docs {
		_, allowed, err := a.auth.Decide(ctx, actorID, d, rbac.ActionRead)
		if err != nil {
			ok = false
			a.log.WithError(err).WithField("related_id", d.ID).Warn("rollup read check failed")
			continue
		}
		if allowed {
			kept = append(kept, d)
		}
	}
	return kept, ok
}

func relatedIDs(raw any) []string {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		return nil
	}

	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, ok := item.(string)
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func aggregate(fn Function, docs []store.Document, property string) any {
	if len(docs) == 0 {
		return float64(0)
	}

	var (
		values []float64
		first  any
	)
	for _, d := range docs {
		v := d.Values[property]
		if isEmpty(v) {
			continue
		}
		if first == nil {
			first = v
		}
		n := formula.ToNumber(v)
		if math.IsNaN(n) {
			n = 0
		}
		values = append(values, n)
	}

	switch fn {
	case Count:
		return float64(len(docs))
	case Sum:
		return sum(values)
	case Avg:
		if len(values) == 0 {
			return float64(0)
		}
		return math.Floor(sum(values)/float64(len(values))*100+0.5) / 100
	case Min:
		if len(values) == 0 {
			return float64(0)
		}
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return m
	case Max:
		if len(values) == 0 {
			return float64(0)
		}
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return m
	case ShowOriginal:
		if first == nil {
			return float64(len(docs))
		}
		switch first.(type) {
		case float64, float32, int, int64, int32:
			return formula.ToNumber(first)
		}
		return formula.ToText(first)
	default:
		return float64(0)
	}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	}
	return false
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

// Format renders a rollup value for display.
func Format(value any, fn Function) string {
	if fn == Count {
		return fmt.Sprintf("%s items", formula.ToText(value))
	}
	if n, ok := value.(float64); ok && fn == Avg {
		return formula.ToFixed(n, 2)
	}
	return formula.ToText(value)
}
