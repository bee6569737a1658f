package varengine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

// Budget is the latency target of one single-portfolio Compute call.
const Budget = 100 * time.Millisecond

type Config struct {
	Confidence      float64
	HorizonDays     int
	LookbackDays    int
	MinObservations int
	Paths           int
	Seed            uint64
	Antithetic      bool
	BacktestDays    int
}

func DefaultConfig() Config {
	return Config{Confidence: 0.95, HorizonDays: 1, LookbackDays: 252, MinObservations: 100,
		Paths: 10000, Seed: 12345, Antithetic: true, BacktestDays: 250}
}

// Engine is safe for concurrent use; Recalibrate swaps the calibration
// atomically and readers never observe a partial one.
type Engine struct {
	cfg     Config
	cal     atomic.Pointer[Calibration]
	lgr     *applogger.Logger
	metrics repository.Metrics
	now     func() time.Time
}

func New(cfg Config, l *applogger.Logger, m repository.Metrics) *Engine {
	d := DefaultConfig()
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = d.Confidence
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = d.HorizonDays
	}
	if cfg.MinObservations < 3 {
		cfg.MinObservations = d.MinObservations
	}
	if cfg.Paths <= 0 {
		cfg.Paths = d.Paths
	}
	if cfg.BacktestDays <= 0 {
		cfg.BacktestDays = d.BacktestDays
	}
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Engine{cfg: cfg, lgr: l.Component("var_engine"), metrics: m, now: time.Now}
}

// Recalibrate builds a calibration from daily bars per symbol. On any error
// the previous calibration stays active.
func (e *Engine) Recalibrate(series map[string][]models.Bar) error {
	cal, err := Build(series, e.cfg.LookbackDays, e.cfg.MinObservations, e.now().UTC())
	if err != nil {
		e.lgr.Warn("recalibration failed, keeping previous calibration", applogger.Error(err))
		return err
	}
	e.cal.Store(cal)
	e.lgr.Info("recalibrated",
		applogger.Strings("symbols", cal.Symbols),
		applogger.Int("observations", cal.Lookback))
	return nil
}

// Calibration returns the active calibration, or nil.
func (e *Engine) Calibration() *Calibration { return e.cal.Load() }

// Correlation answers from the active calibration; false before the first one.
func (e *Engine) Correlation(a, b string) (float64, bool) {
	cal := e.cal.Load()
	if cal == nil {
		return 0, false
	}
	return cal.Correlation(a, b)
}

func (e *Engine) active() (*Calibration, error) {
	cal := e.cal.Load()
	if cal == nil {
		return nil, &errs.InsufficientData{What: "calibration", Have: 0, Need: 1}
	}
	return cal, nil
}

// Compute estimates VaR and CVaR for composition (signed value per symbol).
func (e *Engine) Compute(ctx context.Context, portfolioID string, composition map[string]float64, m models.Methodology) (models.VaRResult, error) {
	start := time.Now()
	cal, err := e.active()
	if err != nil {
		return models.VaRResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.VaRResult{}, err
	}
	w, value, err := cal.weights(composition)
	if err != nil {
		return models.VaRResult{}, err
	}
	est := estimator{rows: cal.window(), mean: cal.Mean, cov: cal.Cov, chol: cal.chol}
	v, cv, err := est.estimate(m, w, e.cfg)
	if err != nil {
		return models.VaRResult{}, err
	}
	elapsed := time.Since(start)
	if elapsed > Budget {
		e.lgr.Warn("var over budget", applogger.String("method", m.String()), applogger.Duration("elapsed", elapsed))
	}
	comp := make(map[string]float64, len(composition))
	for k, x := range composition {
		comp[k] = x
	}
	res := models.VaRResult{
		PortfolioID:     portfolioID,
		Methodology:     m,
		HorizonDays:     e.cfg.HorizonDays,
		ConfidenceLevel: e.cfg.Confidence,
		Value:           v * value,
		ValuePct:        v,
		CVaR:            cv * value,
		Observations:    cal.Lookback,
		Composition:     comp,
		PortfolioValue:  value,
		Elapsed:         elapsed,
		ComputedAt:      e.now().UTC(),
	}
	e.metrics.RecordVaR(m.String(), v, elapsed.Seconds())
	return res, nil
}

// ComputeAll runs every methodology and attaches the Kupiec backtest as the
// accuracy score. A failed backtest leaves the score at zero.
func (e *Engine) ComputeAll(ctx context.Context, portfolioID string, composition map[string]float64) ([]models.VaRResult, error) {
	out := make([]models.VaRResult, 0, len(models.AllMethodologies))
	for _, m := range models.AllMethodologies {
		res, err := e.Compute(ctx, portfolioID, composition, m)
		if err != nil {
			return nil, err
		}
		bt, err := e.Backtest(composition, m)
		switch {
		case err == nil:
			res.AccuracyScore = bt.PValue
			res.Breaches = bt.Breaches
		case errors.As(err, new(*errs.InsufficientData)):
			e.lgr.Debug("backtest skipped", applogger.String("method", m.String()), applogger.Error(err))
		default:
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Backtest estimates one-day VaR from the lookback preceding an
// out-of-sample window, counts breaches inside it and applies Kupiec's
// proportion-of-failures test.
func (e *Engine) Backtest(composition map[string]float64, m models.Methodology) (models.Backtest, error) {
	cal, err := e.active()
	if err != nil {
		return models.Backtest{}, err
	}
	w, _, err := cal.weights(composition)
	if err != nil {
		return models.Backtest{}, err
	}
	rows := cal.Returns
	oos := min(e.cfg.BacktestDays, len(rows)-e.cfg.MinObservations)
	if oos < 10 {
		return models.Backtest{}, &errs.InsufficientData{What: "backtest observations", Have: max(oos, 0), Need: 10}
	}
	estEnd := len(rows) - oos
	estStart := 0
	if e.cfg.LookbackDays > 0 && estEnd > e.cfg.LookbackDays {
		estStart = estEnd - e.cfg.LookbackDays
	}
	mean, cov, chol, err := moments(rows[estStart:estEnd], len(cal.Symbols))
	if err != nil {
		return models.Backtest{}, err
	}
	cfg := e.cfg
	cfg.HorizonDays = 1
	est := estimator{rows: rows[estStart:estEnd], mean: mean, cov: cov, chol: chol}
	v, _, err := est.estimate(m, w, cfg)
	if err != nil {
		return models.Backtest{}, err
	}
	breaches := 0
	for _, r := range portfolioReturns(rows[estEnd:], w) {
		if r < -v {
			breaches++
		}
	}
	lr, p := Kupiec(oos, breaches, 1-e.cfg.Confidence)
	return models.Backtest{
		Methodology: m, Observations: oos, Breaches: breaches,
		Expected: float64(oos) * (1 - e.cfg.Confidence), LR: lr, PValue: p,
	}, nil
}

// Kupiec returns the proportion-of-failures likelihood ratio for x breaches
// in t observations at expected rate p, and its chi-square(1) p-value.
func Kupiec(t, x int, p float64) (lr, pValue float64) {
	if t <= 0 {
		return 0, 1
	}
	obs := float64(x) / float64(t)
	ll := func(rate float64) float64 {
		return xlogy(float64(t-x), 1-rate) + xlogy(float64(x), rate)
	}
	lr = -2 * (ll(p) - ll(obs))
	if lr < 0 {
		lr = 0
	}
	return lr, distuv.ChiSquared{K: 1}.Survival(lr)
}

// xlogy is x·ln(y) with 0·ln(0) = 0.
func xlogy(x, y float64) float64 {
	if x == 0 {
		return 0
	}
	return x * math.Log(y)
}

// estimator computes one-unit VaR and CVaR (fractions of portfolio value).
type estimator struct {
	rows [][]float64
	mean []float64
	cov  *mat.SymDense
	chol *mat.TriDense
}

func (s estimator) estimate(m models.Methodology, w []float64, cfg Config) (float64, float64, error) {
	h := float64(cfg.HorizonDays)
	alpha := 1 - cfg.Confidence
	wv := mat.NewVecDense(len(w), w)
	mu := mat.Dot(wv, mat.NewVecDense(len(s.mean), s.mean))
	sigma := math.Sqrt(math.Max(0, mat.Inner(wv, s.cov, wv)))

	switch m {
	case models.Parametric:
		z := distuv.UnitNormal.Quantile(cfg.Confidence)
		v := z*sigma*math.Sqrt(h) - mu*h
		cv := sigma*math.Sqrt(h)*distuv.UnitNormal.Prob(z)/alpha - mu*h
		return v, cv, finite(m, v, cv)

	case models.Historical:
		pr := portfolioReturns(s.rows, w)
		v, cv := tail(pr, alpha)
		return v * math.Sqrt(h), cv * math.Sqrt(h), finite(m, v, cv)

	case models.MonteCarlo:
		// w·(L z) = (Lᵀw)·z, so each path costs O(k).
		var b mat.VecDense
		b.MulVec(s.chol.T(), wv)
		rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
		k := len(w)
		z := make([]float64, k)
		pnl := make([]float64, 0, cfg.Paths)
		for len(pnl) < cfg.Paths {
			var dot float64
			for i := 0; i < k; i++ {
				z[i] = rng.NormFloat64()
				dot += b.AtVec(i) * z[i]
			}
			pnl = append(pnl, mu*h+math.Sqrt(h)*dot)
			if cfg.Antithetic && len(pnl) < cfg.Paths {
				pnl = append(pnl, mu*h-math.Sqrt(h)*dot)
			}
		}
		v, cv := tail(pnl, alpha)
		return v, cv, finite(m, v, cv)

	case models.CornishFisher:
		pr := portfolioReturns(s.rows, w)
		pm, sd := stat.MeanStdDev(pr, nil)
		skew := stat.Skew(pr, nil)
		kurt := stat.ExKurtosis(pr, nil)
		q := func(a float64) float64 {
			return -(pm*h + cornishFisher(distuv.UnitNormal.Quantile(a), skew, kurt)*sd*math.Sqrt(h))
		}
		v := q(alpha)
		const steps = 100
		var cv float64
		for i := 0; i < steps; i++ {
			cv += q((float64(i) + 0.5) / steps * alpha)
		}
		cv /= steps
		return v, cv, finite(m, v, cv)
	}
	return 0, 0, &errs.ValidationRejected{Field: "methodology", Reason: m.String()}
}

// cornishFisher adjusts a normal quantile for skewness and excess kurtosis.
func cornishFisher(z, s, k float64) float64 {
	return z + (z*z-1)*s/6 + (z*z*z-3*z)*k/24 - (2*z*z*z-5*z)*s*s/36
}

// tail returns the loss quantile at alpha and the mean loss beyond it.
func tail(returns []float64, alpha float64) (float64, float64) {
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	q := stat.Quantile(alpha, stat.Empirical, sorted, nil)
	var sum float64
	var n int
	for _, r := range sorted {
		if r > q {
			break
		}
		sum += r
		n++
	}
	cv := -q
	if n > 0 {
		cv = -sum / float64(n)
	}
	return -q, cv
}

func finite(m models.Methodology, vals ...float64) error {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &errs.NumericError{Op: m.String(), Reason: "non-finite estimate"}
		}
	}
	return nil
}
