package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	domsvc "CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/quality"
	"CryptoPull/pkg/config"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
	"CryptoPull/pkg/util"
)

// ErrRunInProgress is returned when a pipeline run is already executing.
var ErrRunInProgress = errors.New("ingestion run already in progress")

// MarketSource is the failover view of the market data providers.
type MarketSource interface {
	Market() []domsvc.MarketDataProvider
	FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, string, error)
	EarliestAvailable(ctx context.Context, symbol string) (time.Time, error)
	// CachedBars reports whether FetchBars would answer the window from the
	// content cache without a network call.
	CachedBars(ctx context.Context, symbol string, from, to time.Time) (bool, error)
}

// Derived recomputes tables that depend on freshly ingested bars.
type Derived interface {
	Name() string
	AfterIngest(ctx context.Context, rep *RunReport) error
}

type RunRequest struct {
	Symbols   []string  `json:"symbols"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Remediate bool      `json:"remediate"`
	Sentiment bool      `json:"sentiment"`
}

// Failure is one per-symbol problem; it never aborts the run.
type Failure struct {
	Symbol string    `json:"symbol"`
	Stage  string    `json:"stage"`
	From   time.Time `json:"from,omitempty"`
	To     time.Time `json:"to,omitempty"`
	Code   string    `json:"code"`
	Action string    `json:"action"`
	Error  string    `json:"error"`
}

type RunReport struct {
	RunID      string    `json:"run_id"`
	Symbols    []string  `json:"symbols"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Sentiment  bool      `json:"sentiment"`
	Planned    int       `json:"planned_requests"`
	CacheHits  int       `json:"cache_hits"`
	Satisfied  int       `json:"satisfied_days"`
	Fetched    int       `json:"fetched"`
	Rejected   int       `json:"rejected"`
	Persisted  int       `json:"persisted"`
	Remediated int       `json:"remediated"`
	// Missing counts days inside windows whose fetch failed; they are never
	// interpolated.
	Missing    int       `json:"missing_days"`
	Failures   []Failure `json:"failures,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	mu sync.Mutex
}

func (r *RunReport) fail(f Failure) {
	r.mu.Lock()
	r.Failures = append(r.Failures, f)
	r.mu.Unlock()
}

func (r *RunReport) add(fn func(r *RunReport)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

// Gap is a run of consecutive missing days.
type Gap struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Days int       `json:"days"`
}

type fetchJob struct {
	symbol   string
	from, to time.Time
	cached   bool
}

type batch struct {
	job    fetchJob
	source string
	bars   []models.Bar
	result quality.Result
	failed bool
}

// Ingestion runs plan -> fetch -> validate -> persist -> remediate -> emit.
// Fetch and validation run in worker pools joined by bounded channels;
// persistence is a single goroutine so per-symbol order is kept.
type Ingestion struct {
	cfg     config.PipelineConfig
	src     MarketSource
	bars    domrepo.BarRepository
	quality *quality.Manager
	mirror  domrepo.Mirror
	pub     domrepo.EventPublisher
	derived []Derived
	metrics domrepo.Metrics
	lgr     *applogger.Logger
	now     func() time.Time

	running atomic.Bool
	last    atomic.Pointer[RunReport]
}

type IngestionOption func(*Ingestion)

func WithMirror(m domrepo.Mirror) IngestionOption { return func(p *Ingestion) { p.mirror = m } }
func WithIngestionPublisher(pub domrepo.EventPublisher) IngestionOption {
	return func(p *Ingestion) { p.pub = pub }
}
func WithDerived(d ...Derived) IngestionOption {
	return func(p *Ingestion) { p.derived = append(p.derived, d...) }
}
func WithIngestionClock(now func() time.Time) IngestionOption {
	return func(p *Ingestion) { p.now = now }
}

func NewIngestion(cfg config.PipelineConfig, src MarketSource, bars domrepo.BarRepository, q *quality.Manager, l *applogger.Logger, m domrepo.Metrics, opts ...IngestionOption) *Ingestion {
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if q == nil {
		q = quality.NewManager(quality.DefaultConfig(), nil, nil, l, m)
	}
	p := &Ingestion{cfg: cfg, src: src, bars: bars, quality: q, metrics: m, lgr: l.Component("ingestion"), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultRequest covers the configured symbols up to the last closed day.
func (p *Ingestion) DefaultRequest(symbols []string) RunRequest {
	if len(symbols) == 0 {
		symbols = p.cfg.Symbols
	}
	to := util.DayStart(p.now()).Add(-util.Day)
	return RunRequest{
		Symbols:   symbols,
		From:      to.AddDate(0, 0, -(p.cfg.TargetDays - 1)),
		To:        to,
		Remediate: p.cfg.Remediate,
		Sentiment: p.cfg.Sentiment,
	}
}

// LastRun returns the report of the most recent completed run.
func (p *Ingestion) LastRun() *RunReport { return p.last.Load() }

func (p *Ingestion) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	def := p.DefaultRequest(req.Symbols)
	if req.From.IsZero() {
		req.From = def.From
	}
	if req.To.IsZero() {
		req.To = def.To
	}
	req.Symbols = util.UniqueSorted(def.Symbols)
	req.From, req.To = util.DayStart(req.From), util.DayStart(req.To)
	if req.To.Before(req.From) {
		return nil, &errs.ValidationRejected{Field: "to", Reason: "before from"}
	}
	if p.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
		defer cancel()
	}

	rep := &RunReport{RunID: uuid.NewString(), Symbols: req.Symbols, From: req.From, To: req.To, Sentiment: req.Sentiment, StartedAt: p.now().UTC()}
	lgr := p.lgr.With(applogger.String("run_id", rep.RunID))
	lgr.Info("ingestion run started",
		applogger.Strings("symbols", req.Symbols),
		applogger.Time("from", req.From),
		applogger.Time("to", req.To))

	start := time.Now()
	jobs, pending, err := p.plan(ctx, req, rep)
	p.metrics.RecordStageLatency("plan", time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordPipelineFailure("plan")
		return rep, fmt.Errorf("plan: %w", err)
	}
	rep.Planned = len(jobs) - rep.CacheHits

	if err := p.execute(ctx, req, jobs, pending, rep); err != nil {
		p.metrics.RecordPipelineFailure("persist")
		lgr.Error("ingestion run aborted", applogger.Error(err))
		rep.FinishedAt = p.now().UTC()
		return rep, err
	}

	for _, d := range p.derived {
		dstart := time.Now()
		if err := d.AfterIngest(ctx, rep); err != nil {
			rep.fail(failure("", "derived:"+d.Name(), time.Time{}, time.Time{}, err))
			lgr.Warn("derived recompute failed", applogger.String("derived", d.Name()), applogger.Error(err))
		}
		p.metrics.RecordStageLatency("derived_"+d.Name(), time.Since(dstart).Seconds())
	}

	rep.FinishedAt = p.now().UTC()
	p.last.Store(rep)
	p.publish(ctx, models.EventPipelineDone, models.SeverityInfo, fmt.Sprintf("run %s persisted %d bars", rep.RunID, rep.Persisted), rep)
	lgr.Info("ingestion run finished",
		applogger.Int("planned", rep.Planned),
		applogger.Int("cache_hits", rep.CacheHits),
		applogger.Int("fetched", rep.Fetched),
		applogger.Int("persisted", rep.Persisted),
		applogger.Int("failures", len(rep.Failures)),
		applogger.Duration("elapsed", time.Since(start)))
	return rep, nil
}

// plan subtracts the days storage already holds and splits what is missing
// into contiguous windows of at most WindowDays. Windows the content cache
// can answer are counted as cache hits rather than network requests.
func (p *Ingestion) plan(ctx context.Context, req RunRequest, rep *RunReport) ([]fetchJob, map[string]int, error) {
	var jobs []fetchJob
	pending := make(map[string]int, len(req.Symbols))
	for _, sym := range req.Symbols {
		from := req.From
		if earliest, err := p.src.EarliestAvailable(ctx, sym); err == nil && earliest.After(from) {
			from = util.DayStart(earliest)
		}
		gaps, have, err := p.gaps(ctx, sym, from, req.To)
		if err != nil {
			return nil, nil, err
		}
		rep.Satisfied += have
		for _, g := range gaps {
			for w := g.From; !w.After(g.To); w = w.AddDate(0, 0, p.cfg.WindowDays) {
				end := w.AddDate(0, 0, p.cfg.WindowDays-1)
				if end.After(g.To) {
					end = g.To
				}
				j := fetchJob{symbol: sym, from: w, to: end}
				if ok, err := p.src.CachedBars(ctx, sym, w, end); err != nil {
					p.lgr.Debug("cache lookup failed", applogger.String("symbol", sym), applogger.Error(err))
				} else if ok {
					j.cached = true
					rep.CacheHits++
				}
				jobs = append(jobs, j)
				pending[sym]++
			}
		}
	}
	return jobs, pending, nil
}

func (p *Ingestion) execute(ctx context.Context, req RunRequest, jobs []fetchJob, pending map[string]int, rep *RunReport) error {
	queue := max(p.cfg.QueueSize, 1)
	workers := max(p.cfg.WorkersPerProvider, 1) * max(len(p.src.Market()), 1)
	validators := max(p.cfg.ValidatorWorkers, 1)

	g, gctx := errgroup.WithContext(ctx)
	jobCh := make(chan fetchJob, queue)
	fetched := make(chan batch, queue)
	validated := make(chan batch, queue)

	g.Go(func() error {
		defer close(jobCh)
		for _, j := range jobs {
			select {
			case jobCh <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var fetchers sync.WaitGroup
	for i := 0; i < workers; i++ {
		fetchers.Add(1)
		g.Go(func() error {
			defer fetchers.Done()
			for j := range jobCh {
				b, ok := p.fetch(gctx, j, rep)
				if !ok {
					b = batch{job: j, failed: true}
				}
				select {
				case fetched <- b:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		fetchers.Wait()
		close(fetched)
		return nil
	})

	var checkers sync.WaitGroup
	for i := 0; i < validators; i++ {
		checkers.Add(1)
		g.Go(func() error {
			defer checkers.Done()
			for b := range fetched {
				if len(b.bars) > 0 {
					b = p.validate(b, rep)
				}
				select {
				case validated <- b:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		checkers.Wait()
		close(validated)
		return nil
	})

	g.Go(func() error {
		incomplete := make(map[string]bool)
		for b := range validated {
			sym := b.job.symbol
			if b.failed {
				incomplete[sym] = true
				rep.add(func(r *RunReport) { r.Missing += len(util.DaysBetween(b.job.from, b.job.to)) })
			} else if err := p.persist(gctx, b, rep); err != nil {
				return err
			}
			pending[sym]--
			if pending[sym] > 0 || !req.Remediate {
				continue
			}
			// interpolation is only for gaps in an otherwise complete series
			if incomplete[sym] {
				p.lgr.Warn("remediation skipped after failed fetch", applogger.String("symbol", sym))
				continue
			}
			if err := p.remediate(gctx, sym, req.From, req.To, rep); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func (p *Ingestion) fetch(ctx context.Context, j fetchJob, rep *RunReport) (batch, bool) {
	stage := "fetch"
	if j.cached {
		stage = "fetch_cached"
	}
	start := time.Now()
	bars, source, err := p.src.FetchBars(ctx, j.symbol, j.from, j.to)
	p.metrics.RecordStageLatency(stage, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordPipelineFailure("fetch")
		rep.fail(failure(j.symbol, "fetch", j.from, j.to, err))
		p.lgr.Warn("fetch failed",
			applogger.String("symbol", j.symbol),
			applogger.Time("from", j.from),
			applogger.Time("to", j.to),
			applogger.String("code", errs.CodeOf(err)),
			applogger.Error(err))
		return batch{}, false
	}
	for i := range bars {
		bars[i].Symbol = j.symbol
		bars[i].Timestamp = util.DayStart(bars[i].Timestamp)
		if bars[i].Source == "" {
			bars[i].Source = source
		}
	}
	rep.add(func(r *RunReport) { r.Fetched += len(bars) })
	return batch{job: j, source: source, bars: bars}, true
}

func (p *Ingestion) validate(b batch, rep *RunReport) batch {
	start := time.Now()
	b.result = p.quality.Validate(b.job.symbol, b.bars, b.job.from, b.job.to)
	p.metrics.RecordStageLatency("validate", time.Since(start).Seconds())
	for _, rj := range b.result.Rejected {
		rep.fail(failure(b.job.symbol, "validate", rj.Bar.Timestamp, rj.Bar.Timestamp, rj.Err))
	}
	rep.add(func(r *RunReport) { r.Rejected += len(b.result.Rejected) })
	return b
}

// persist returns an error only for storage failures, which abort the run.
func (p *Ingestion) persist(ctx context.Context, b batch, rep *RunReport) error {
	if len(b.result.Bars) == 0 {
		return nil
	}
	start := time.Now()
	n, err := p.bars.UpsertBars(ctx, b.result.Bars)
	p.metrics.RecordStageLatency("persist", time.Since(start).Seconds())
	if err != nil {
		if errs.CodeOf(err) == errs.CodeStorageError || ctx.Err() != nil {
			return err
		}
		rep.fail(failure(b.job.symbol, "persist", b.job.from, b.job.to, err))
		return nil
	}
	rep.add(func(r *RunReport) { r.Persisted += n })
	p.metrics.RecordPipelineRows(b.job.symbol, b.source, n)
	if err := p.quality.Record(ctx, b.result.Metric); err != nil {
		p.lgr.Warn("record quality metric failed", applogger.String("symbol", b.job.symbol), applogger.Error(err))
	}
	if p.mirror != nil {
		if err := p.mirror.MirrorBars(ctx, b.result.Bars); err != nil {
			p.metrics.RecordError("mirror_bars")
			p.lgr.Warn("mirror bars failed", applogger.Error(err))
		}
	}
	p.publish(ctx, models.EventPipelineProgress, models.SeverityInfo,
		fmt.Sprintf("%s %s..%s persisted %d", b.job.symbol, b.job.from.Format(time.DateOnly), b.job.to.Format(time.DateOnly), n),
		map[string]interface{}{"symbol": b.job.symbol, "source": b.source, "persisted": n})
	return nil
}

// remediate interpolates interior gaps and caps extreme outliers over the
// stored series once every window of the symbol has been persisted. Writes
// replace the stored rows: a capped bar scores no higher than the spike it
// replaces.
func (p *Ingestion) remediate(ctx context.Context, symbol string, from, to time.Time, rep *RunReport) error {
	stored, err := p.bars.BestBars(ctx, symbol, from, to)
	if err != nil {
		return err
	}
	if len(stored) < 2 {
		return nil
	}
	changed, metric := p.quality.Remediate(symbol, stored, from, to)
	if !metric.RemediationApplied || len(changed) == 0 {
		return nil
	}
	n, err := p.bars.ReplaceBars(ctx, changed)
	if err != nil {
		return err
	}
	rep.add(func(r *RunReport) { r.Remediated += n })
	if err := p.quality.Record(ctx, metric); err != nil {
		p.lgr.Warn("record remediation metric failed", applogger.String("symbol", symbol), applogger.Error(err))
	}
	p.lgr.Info("remediated", applogger.String("symbol", symbol), applogger.String("actions", metric.Remediation), applogger.Int("written", n))
	return nil
}

// Gaps lists the runs of days in [from, to] with no provider bar.
// Interpolated days are listed too, since a later fetch may still fill them.
func (p *Ingestion) Gaps(ctx context.Context, symbol string, from, to time.Time) ([]Gap, error) {
	symbol = util.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, &errs.ValidationRejected{Field: "symbol", Reason: "empty"}
	}
	gaps, _, err := p.gaps(ctx, symbol, util.DayStart(from), util.DayStart(to))
	return gaps, err
}

func (p *Ingestion) gaps(ctx context.Context, symbol string, from, to time.Time) ([]Gap, int, error) {
	have, err := p.bars.Days(ctx, symbol, from, to)
	if err != nil {
		return nil, 0, err
	}
	stored := make(map[time.Time]struct{}, len(have))
	for _, d := range have {
		stored[util.DayStart(d)] = struct{}{}
	}
	var out []Gap
	for _, d := range util.DaysBetween(from, to) {
		if _, ok := stored[d]; ok {
			continue
		}
		if n := len(out); n > 0 && out[n-1].To.Add(util.Day).Equal(d) {
			out[n-1].To = d
			out[n-1].Days++
			continue
		}
		out = append(out, Gap{From: d, To: d, Days: 1})
	}
	return out, len(stored), nil
}

// Status summarizes stored coverage for configured and stored symbols.
func (p *Ingestion) Status(ctx context.Context) ([]models.Coverage, error) {
	stored, err := p.bars.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	symbols := util.UniqueSorted(append(append([]string(nil), p.cfg.Symbols...), stored...))
	out := make([]models.Coverage, 0, len(symbols))
	for _, sym := range symbols {
		c, err := p.bars.Coverage(ctx, sym)
		if err != nil {
			return nil, err
		}
		if c == nil {
			c = &models.Coverage{Symbol: sym}
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Ingestion) publish(ctx context.Context, typ models.EventType, sev models.AlertSeverity, msg string, payload interface{}) {
	if p.pub == nil {
		return
	}
	ev := models.Event{ID: uuid.NewString(), Type: typ, Severity: sev, Source: "ingestion", Message: msg, Payload: payload, At: p.now().UTC()}
	if err := p.pub.Publish(ctx, ev); err != nil {
		p.metrics.RecordError("publish")
		p.lgr.Debug("publish progress failed", applogger.Error(err))
	}
}

func failure(symbol, stage string, from, to time.Time, err error) Failure {
	return Failure{Symbol: symbol, Stage: stage, From: from, To: to, Code: errs.CodeOf(err), Action: errs.Classify(err).String(), Error: err.Error()}
}
