package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/stats"
	"CryptoPull/internal/service/varengine"
	"CryptoPull/pkg/config"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
	"CryptoPull/pkg/util"
)

// Book exposes the live portfolio to the calibration job.
type Book interface {
	Composition() map[string]float64
}

type CalibrationReport struct {
	Symbols      []string           `json:"symbols"`
	Observations int                `json:"observations"`
	Correlations int                `json:"correlations"`
	VaR          []models.VaRResult `json:"var,omitempty"`
	At           time.Time          `json:"at"`
}

// Calibration refreshes the VaR calibration, the pairwise correlation table
// and the portfolio VaR from stored daily bars.
type Calibration struct {
	bars    domrepo.BarRepository
	engine  *varengine.Engine
	corr    domrepo.CorrelationRepository
	vars    domrepo.VaRRepository
	book    Book
	mirror  domrepo.Mirror
	pub     domrepo.EventPublisher
	ccfg    config.CorrelationConfig
	vcfg    config.VaRConfig
	every   time.Duration
	lgr     *applogger.Logger
	metrics domrepo.Metrics
	now     func() time.Time

	mu   sync.Mutex
	last CalibrationReport
}

type CalibrationOption func(*Calibration)

func WithCalibrationMirror(m domrepo.Mirror) CalibrationOption {
	return func(c *Calibration) { c.mirror = m }
}

func WithCalibrationPublisher(p domrepo.EventPublisher) CalibrationOption {
	return func(c *Calibration) { c.pub = p }
}

func WithCalibrationClock(now func() time.Time) CalibrationOption {
	return func(c *Calibration) { c.now = now }
}

func NewCalibration(cfg *config.Config, bars domrepo.BarRepository, engine *varengine.Engine, corr domrepo.CorrelationRepository, vars domrepo.VaRRepository, book Book, l *applogger.Logger, m domrepo.Metrics, opts ...CalibrationOption) *Calibration {
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	c := &Calibration{
		bars: bars, engine: engine, corr: corr, vars: vars, book: book,
		ccfg: cfg.Correlation, vcfg: cfg.VaR, every: cfg.Scheduler.CalibrationInterval,
		lgr: l.Component("calibration"), metrics: m, now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Calibration) Name() string { return "calibration" }

// AfterIngest recalibrates when the last calibration is stale.
func (c *Calibration) AfterIngest(ctx context.Context, rep *RunReport) error {
	if !c.Due() {
		return nil
	}
	_, err := c.Run(ctx, rep.Symbols)
	return err
}

// Due reports whether the active calibration is older than the interval.
func (c *Calibration) Due() bool {
	cal := c.engine.Calibration()
	if cal == nil || c.every <= 0 {
		return true
	}
	return c.now().Sub(cal.At) >= c.every
}

func (c *Calibration) Last() CalibrationReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Run loads the trailing history, swaps the engine calibration, stores the
// correlation table and recomputes portfolio VaR. A failed recalibration
// leaves the previous one active and is returned.
func (c *Calibration) Run(ctx context.Context, symbols []string) (CalibrationReport, error) {
	started := c.now()
	symbols = util.UniqueSorted(symbols)
	to := util.DayStart(c.now()).Add(-util.Day)
	from := to.AddDate(0, 0, -(c.vcfg.LookbackDays + c.vcfg.BacktestDays + 1))
	series := make(map[string][]models.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := c.bars.BestBars(ctx, sym, from, to)
		if err != nil {
			return CalibrationReport{}, err
		}
		if len(bars) > 0 {
			series[sym] = bars
		}
	}
	if len(series) == 0 {
		return CalibrationReport{}, &errs.InsufficientData{What: "calibration bars", Have: 0, Need: 1}
	}
	if err := c.engine.Recalibrate(series); err != nil {
		return CalibrationReport{}, fmt.Errorf("recalibrate: %w", err)
	}
	cal := c.engine.Calibration()
	rep := CalibrationReport{Symbols: cal.Symbols, Observations: cal.Lookback, At: cal.At}

	recs := c.correlations(cal)
	if err := c.corr.SaveCorrelations(ctx, recs); err != nil {
		return rep, err
	}
	rep.Correlations = len(recs)

	if comp := c.composition(); len(comp) > 0 {
		results, err := c.engine.ComputeAll(ctx, c.vcfg.PortfolioID, comp)
		if err != nil {
			c.lgr.Warn("portfolio var", applogger.Error(err))
		} else {
			if err := c.vars.SaveVaR(ctx, results); err != nil {
				return rep, err
			}
			if c.mirror != nil {
				if err := c.mirror.MirrorVaR(ctx, results); err != nil {
					c.metrics.RecordError("mirror")
					c.lgr.Warn("mirror var", applogger.Error(err))
				}
			}
			rep.VaR = results
		}
	}

	c.metrics.RecordStageLatency("calibration", c.now().Sub(started).Seconds())
	c.mu.Lock()
	c.last = rep
	c.mu.Unlock()
	c.publish(ctx, rep)
	c.lgr.Info("calibration complete",
		applogger.Strings("symbols", rep.Symbols),
		applogger.Int("observations", rep.Observations),
		applogger.Int("correlations", rep.Correlations),
		applogger.Int("var_results", len(rep.VaR)))
	return rep, nil
}

// composition keeps the book's symbols that the calibration covers.
func (c *Calibration) composition() map[string]float64 {
	if c.book == nil {
		return nil
	}
	cal := c.engine.Calibration()
	covered := make(map[string]struct{}, len(cal.Symbols))
	for _, s := range cal.Symbols {
		covered[s] = struct{}{}
	}
	out := make(map[string]float64)
	for sym, n := range c.book.Composition() {
		if _, ok := covered[sym]; ok && n != 0 {
			out[sym] = n
		}
	}
	return out
}

// correlations computes every pair over each configured trailing window.
// Windows the history cannot fill are skipped.
func (c *Calibration) correlations(cal *varengine.Calibration) []models.CorrelationRecord {
	at := c.now().UTC()
	n := len(cal.Returns)
	var out []models.CorrelationRecord
	for _, w := range c.ccfg.WindowsDays {
		if w < 3 || w > n {
			c.lgr.Debug("correlation window skipped", applogger.Int("window_days", w), applogger.Int("have", n))
			continue
		}
		rows := cal.Returns[n-w:]
		for i := 0; i < len(cal.Symbols); i++ {
			for j := i + 1; j < len(cal.Symbols); j++ {
				x, y := column(rows, i), column(rows, j)
				res, err := stats.Correlate(x, y)
				if err != nil {
					if !errors.As(err, new(*errs.InsufficientData)) {
						c.lgr.Debug("correlation skipped",
							applogger.String("a", cal.Symbols[i]),
							applogger.String("b", cal.Symbols[j]),
							applogger.Error(err))
					}
					continue
				}
				out = append(out, models.CorrelationRecord{
					AssetA: cal.Symbols[i], AssetB: cal.Symbols[j], WindowDays: w,
					Coefficient: res.Pearson, Spearman: res.Spearman, PValue: res.PValue,
					CILow: res.CILow, CIHigh: res.CIHigh, SampleSize: res.N, ComputedAt: at,
				}.Canonical())
			}
		}
	}
	return out
}

func column(rows [][]float64, c int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r[c]
	}
	return out
}

func (c *Calibration) publish(ctx context.Context, rep CalibrationReport) {
	if c.pub == nil {
		return
	}
	ev := models.Event{
		ID: uuid.NewString(), Type: models.EventCalibration, Severity: models.SeverityInfo,
		Source: "calibration", Message: fmt.Sprintf("calibrated %d symbols over %d days", len(rep.Symbols), rep.Observations),
		Payload: rep, At: c.now().UTC(),
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.metrics.RecordError("publish")
		c.lgr.Warn("publish calibration", applogger.Error(err))
	}
}
