package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/features"
	"CryptoPull/pkg/config"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/util"
)

// SignalsUseCase scores a candidate set, persists the predictions and
// returns them ranked.
type SignalsUseCase struct {
	agg     *SignalAggregator
	repo    domrepo.PredictionRepository
	corr    CorrelationLookup
	book    Book
	weights atomic.Pointer[RankWeights]
	timeout time.Duration
	lgr     *applogger.Logger
	now     func() time.Time
}

func NewSignalsUseCase(agg *SignalAggregator, repo domrepo.PredictionRepository, corr CorrelationLookup, book Book, pc config.PredictionConfig, l *applogger.Logger) *SignalsUseCase {
	if l == nil {
		l = applogger.NewNop()
	}
	timeout := pc.Timeout * 4
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	uc := &SignalsUseCase{
		agg: agg, repo: repo, corr: corr, book: book,
		timeout: timeout, lgr: l.Component("signals"), now: time.Now,
	}
	uc.SetWeights(RankWeights{Lambda: pc.Lambda, Mu: pc.Mu, Threshold: pc.Threshold})
	return uc
}

// SetWeights swaps the ranking parameters, e.g. after a parameter change.
func (uc *SignalsUseCase) SetWeights(w RankWeights) { uc.weights.Store(&w) }

type GetSignalsParams struct {
	Symbols []string
	AsOf    time.Time
	// Persist stores each prediction for later realization.
	Persist bool
}

type SignalsResult struct {
	AsOf    time.Time             `json:"as_of"`
	Signals []models.RankedSignal `json:"signals"`
	Errors  map[string]string     `json:"errors,omitempty"`
}

func (uc *SignalsUseCase) GetSignals(ctx context.Context, p GetSignalsParams) (*SignalsResult, error) {
	symbols := util.UniqueSorted(p.Symbols)
	if len(symbols) == 0 {
		return nil, &errs.ValidationRejected{Field: "symbols", Reason: "empty"}
	}
	if p.AsOf.IsZero() {
		p.AsOf = uc.now()
	}

	ctx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()

	res := &SignalsResult{AsOf: p.AsOf.UTC(), Errors: map[string]string{}}

	type item struct {
		symbol string
		pred   models.Prediction
		fv     models.FeatureVector
		err    error
	}
	ch := make(chan item, len(symbols))
	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			pred, fv, err := uc.agg.Predict(ctx, sym, p.AsOf)
			ch <- item{sym, pred, fv, err}
		}(sym)
	}
	go func() { wg.Wait(); close(ch) }()

	var book map[string]float64
	if uc.book != nil {
		book = uc.book.Composition()
	}
	w := *uc.weights.Load()
	cands := make([]Candidate, 0, len(symbols))
	for it := range ch {
		if it.err != nil {
			res.Errors[it.symbol] = it.err.Error()
			continue
		}
		if p.Persist {
			if err := uc.repo.SavePrediction(ctx, it.pred); err != nil {
				return nil, fmt.Errorf("save prediction %s: %w", it.symbol, err)
			}
		}
		sigma := it.fv.Get(features.RealizedVol)
		cands = append(cands, Candidate{
			Prediction:  it.pred,
			Sigma:       sigma,
			CorrPenalty: correlationPenalty(it.symbol, book, uc.corr),
			VolPenalty:  volatilityPenalty(sigma),
		})
	}
	res.Signals = Rank(cands, w)
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	uc.lgr.Debug("signals ranked", applogger.Int("candidates", len(cands)), applogger.Int("errors", len(res.Errors)))
	return res, nil
}
