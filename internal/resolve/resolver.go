// Package resolve maps raw signals onto canonical products.
package resolve

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

// Outcome describes how a signal was resolved.
type Outcome string

const (
	// OutcomeBound means the (source, native id) pair was already bound.
	OutcomeBound Outcome = "bound"
	// OutcomeMatched means the pair was bound to a similar existing product.
	OutcomeMatched Outcome = "matched"
	// OutcomeCreated means a new product was created for the pair.
	OutcomeCreated Outcome = "created"
)

// Resolution is the result of resolving one signal.
type Resolution struct {
	Product   *model.Product
	Outcome   Outcome
	Score     float64
	Ambiguous bool
}

// Candidate is a scored match candidate.
type Candidate struct {
	Product model.Product
	Score   float64
}

// Resolver binds raw signals to products. It is safe for concurrent use.
type Resolver struct {
	store     store.ProductStore
	locks     *Locker
	norm      *Normalizer
	threshold float64
	epsilon   float64
	prefixLen int

	nowFunc func() time.Time
	newID   func() string
	log     *zap.Logger
}

// New creates a Resolver. The Locker must be the one shared with the score
// job so that bindings and snapshot writes for a product never interleave.
func New(st store.ProductStore, locks *Locker, cfg config.ResolverConfig) *Resolver {
	if locks == nil {
		locks = NewLocker()
	}
	return &Resolver{
		store:     st,
		locks:     locks,
		norm:      NewNormalizer(cfg.Stopwords),
		threshold: cfg.SimilarityThreshold,
		epsilon:   cfg.AmbiguityEpsilon,
		prefixLen: cfg.BucketPrefixLen,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
		log:       zap.L().With(zap.String("component", "resolve")),
	}
}

// Normalizer returns the normalizer used for match keys.
func (r *Resolver) Normalizer() *Normalizer { return r.norm }

// Resolve returns the product sig belongs to, creating one if nothing
// matches. A pair that is already bound always resolves to its product
// without writing anything.
func (r *Resolver) Resolve(ctx context.Context, sig model.RawSignal) (Resolution, error) {
	sig = sig.Normalize()
	if err := sig.Validate(); err != nil {
		return Resolution{}, err
	}

	if p, err := r.store.FindByBinding(ctx, sig.Source, sig.NativeID); err != nil {
		return Resolution{}, eris.Wrap(err, "resolve: lookup binding")
	} else if p != nil {
		return Resolution{Product: p, Outcome: OutcomeBound, Score: 1}, nil
	}

	key := r.norm.MatchKey(sig.Name)
	bucket := Bucket(key, r.prefixLen)

	unlock := r.locks.Lock(BucketKey(sig.Category, bucket))
	defer unlock()

	// Another resolver may have bound the pair while we waited.
	if p, err := r.store.FindByBinding(ctx, sig.Source, sig.NativeID); err != nil {
		return Resolution{}, eris.Wrap(err, "resolve: lookup binding")
	} else if p != nil {
		return Resolution{Product: p, Outcome: OutcomeBound, Score: 1}, nil
	}

	var candidates []model.Product
	if key != "" {
		var err error
		candidates, err = r.store.ListCandidates(ctx, sig.Category, bucket)
		if err != nil {
			return Resolution{}, eris.Wrap(err, "resolve: list candidates")
		}
	}

	ranked := r.Rank(key, candidates)
	if len(ranked) > 0 && ranked[0].Score > r.threshold {
		best := ranked[0]
		ambiguous := r.ambiguous(ranked)
		if ambiguous {
			r.log.Warn("ambiguous product match",
				zap.String("source", sig.Source),
				zap.String("native_id", sig.NativeID),
				zap.String("chosen", best.Product.ID),
				zap.Float64("score", best.Score),
				zap.Int("contenders", r.contenders(ranked)),
			)
		}
		p, err := r.bind(ctx, best.Product, sig)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Product: p, Outcome: OutcomeMatched, Score: best.Score, Ambiguous: ambiguous}, nil
	}

	p, err := r.create(ctx, sig, key, bucket)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Product: p, Outcome: OutcomeCreated}, nil
}

// Rank scores candidates against key, best first. Ties go to the most
// recently updated candidate, then the lowest id.
func (r *Resolver) Rank(key string, candidates []model.Product) []Candidate {
	ranked := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, Candidate{Product: c, Score: levenshtein.Similarity(key, c.MatchKey, nil)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Product.LastUpdatedAt.Equal(b.Product.LastUpdatedAt) {
			return a.Product.LastUpdatedAt.After(b.Product.LastUpdatedAt)
		}
		return a.Product.ID < b.Product.ID
	})
	return ranked
}

func (r *Resolver) contenders(ranked []Candidate) int {
	n := 0
	for _, c := range ranked {
		if ranked[0].Score-c.Score <= r.epsilon {
			n++
		}
	}
	return n
}

func (r *Resolver) ambiguous(ranked []Candidate) bool {
	return r.contenders(ranked) > 1
}

func (r *Resolver) bind(ctx context.Context, target model.Product, sig model.RawSignal) (*model.Product, error) {
	unlock := r.locks.Lock(ProductKey(target.ID))
	defer unlock()

	boundID, err := r.store.BindSource(ctx, model.SourceBinding{
		Source:    sig.Source,
		NativeID:  sig.NativeID,
		ProductID: target.ID,
		BoundAt:   model.Timestamp(r.nowFunc()),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: bind %s/%s", sig.Source, sig.NativeID)
	}
	if boundID != target.ID {
		r.log.Info("binding already owned by another product",
			zap.String("source", sig.Source),
			zap.String("native_id", sig.NativeID),
			zap.String("product_id", boundID),
		)
	}

	p, err := r.store.GetProduct(ctx, boundID)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: reload product")
	}
	return p, nil
}

func (r *Resolver) create(ctx context.Context, sig model.RawSignal, key, bucket string) (*model.Product, error) {
	now := model.Timestamp(r.nowFunc())
	p := model.Product{
		ID:            r.newID(),
		CanonicalName: sig.Name,
		Category:      sig.Category,
		MatchKey:      key,
		Bucket:        bucket,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	b := model.SourceBinding{Source: sig.Source, NativeID: sig.NativeID, ProductID: p.ID, BoundAt: now}

	err := r.store.CreateProduct(ctx, p, b)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with another process; adopt its product.
		existing, ferr := r.store.FindByBinding(ctx, sig.Source, sig.NativeID)
		if ferr != nil {
			return nil, eris.Wrap(ferr, "resolve: lookup binding after conflict")
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: create product for %s/%s", sig.Source, sig.NativeID)
	}

	r.log.Debug("created product",
		zap.String("product_id", p.ID),
		zap.String("category", p.Category),
		zap.String("match_key", key),
	)
	p.Bindings = []model.SourceBinding{b}
	return &p, nil
}
