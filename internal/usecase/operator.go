package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/risk"
	"CryptoPull/pkg/config"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/util"
)

// Exit codes of operator commands.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitFatal   = 2
)

// ErrUsage marks a malformed command line.
var ErrUsage = errors.New("usage")

// Result is the outcome of one operator command.
type Result struct {
	ExitCode int         `json:"exit_code"`
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message"`
	Data     interface{} `json:"data,omitempty"`
}

type DataControl interface {
	DefaultRequest(symbols []string) RunRequest
	Run(ctx context.Context, req RunRequest) (*RunReport, error)
	Gaps(ctx context.Context, symbol string, from, to time.Time) ([]Gap, error)
	Status(ctx context.Context) ([]models.Coverage, error)
}

type CacheStatter interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

type RiskControl interface {
	Evaluate(ctx context.Context) risk.Report
	Clear(ctx context.Context, operator string) error
}

type OrderControl interface {
	Trading() bool
	SetTrading(on bool)
	Mode() string
	SetMode(mode string) error
	Liquidate(ctx context.Context) ([]models.Order, error)
}

type Calibrator interface {
	Run(ctx context.Context, symbols []string) (CalibrationReport, error)
}

type TRSReader interface {
	Status() []models.TRSWindow
}

type SentimentOverrider interface {
	SetOverride(ctx context.Context, o models.SentimentOverride) (models.SentimentDay, error)
}

// Operator executes the operator command vocabulary. Nil dependencies make
// their commands fail with exit code 1.
type Operator struct {
	Data        DataControl
	Cache       CacheStatter
	Risk        RiskControl
	Orders      OrderControl
	Alerts      domrepo.AlertRepository
	VaR         domrepo.VaRRepository
	Predictions domrepo.PredictionRepository
	Params      *config.ParameterStore
	Calibrator  Calibrator
	TRS         TRSReader
	Sentiment   SentimentOverrider
	Symbols     []string
	PortfolioID string
	Name        string // operator identity recorded on clearances and overrides

	Logger *applogger.Logger
	Now    func() time.Time
}

// Usage lists the accepted commands.
const Usage = `commands:
  data status
  data gaps <symbol> [days]
  data refresh [symbol...]
  cache-stats
  risk
  alerts [n]
  performance [days]
  trading on|off
  liquidate
  mode paper|live
  parameter get <key> | set <key> <value> | list
  calibrate [symbol...]
  sentiment override <symbol> <score> [YYYY-MM-DD]
  emergency clear`

// Execute runs one command. Errors are folded into the result.
func (o *Operator) Execute(ctx context.Context, args []string) Result {
	if len(args) == 0 {
		return o.fail(fmt.Errorf("%w: empty command", ErrUsage))
	}
	started := o.now()
	res := o.dispatch(ctx, strings.ToLower(args[0]), args[1:])
	o.logger().Info("operator command",
		applogger.Strings("args", args),
		applogger.Int("exit_code", res.ExitCode),
		applogger.Duration("took", o.now().Sub(started)))
	return res
}

func (o *Operator) dispatch(ctx context.Context, cmd string, args []string) Result {
	switch cmd {
	case "data":
		return o.data(ctx, args)
	case "cache-stats":
		if o.Cache == nil {
			return o.unavailable("cache")
		}
		st, err := o.Cache.Stats(ctx)
		if err != nil {
			return o.fail(err)
		}
		return ok(fmt.Sprintf("%d entries, %d unique blobs, %d bytes deduplicated", st.Entries, st.UniqueBlobs, st.DedupBytes), st)
	case "risk":
		return o.risk(ctx)
	case "alerts":
		return o.alerts(ctx, args)
	case "performance":
		return o.performance(ctx, args)
	case "trading":
		return o.trading(args)
	case "liquidate":
		if o.Orders == nil {
			return o.unavailable("orders")
		}
		orders, err := o.Orders.Liquidate(ctx)
		if err != nil {
			r := o.fail(err)
			r.Data = orders
			return r
		}
		return ok(fmt.Sprintf("%d liquidation orders submitted", len(orders)), orders)
	case "mode":
		return o.mode(args)
	case "parameter", "param":
		return o.parameter(args)
	case "calibrate":
		if o.Calibrator == nil {
			return o.unavailable("calibration")
		}
		rep, err := o.Calibrator.Run(ctx, o.symbols(args))
		if err != nil {
			return o.fail(err)
		}
		return ok(fmt.Sprintf("calibrated %d symbols, %d correlation records", len(rep.Symbols), rep.Correlations), rep)
	case "sentiment":
		return o.sentiment(ctx, args)
	case "emergency":
		if len(args) != 1 || args[0] != "clear" {
			return o.fail(fmt.Errorf("%w: emergency clear", ErrUsage))
		}
		if o.Risk == nil {
			return o.unavailable("risk")
		}
		if err := o.Risk.Clear(ctx, o.operatorName()); err != nil {
			return o.fail(err)
		}
		return ok("emergency stop cleared", nil)
	case "help":
		return ok(Usage, nil)
	default:
		return o.fail(fmt.Errorf("%w: unknown command %q", ErrUsage, cmd))
	}
}

func (o *Operator) data(ctx context.Context, args []string) Result {
	if o.Data == nil {
		return o.unavailable("data")
	}
	if len(args) == 0 {
		return o.fail(fmt.Errorf("%w: data status|gaps|refresh", ErrUsage))
	}
	switch args[0] {
	case "status":
		cov, err := o.Data.Status(ctx)
		if err != nil {
			return o.fail(err)
		}
		return ok(fmt.Sprintf("%d symbols", len(cov)), cov)
	case "gaps":
		if len(args) < 2 {
			return o.fail(fmt.Errorf("%w: data gaps <symbol> [days]", ErrUsage))
		}
		req := o.Data.DefaultRequest(nil)
		if len(args) > 2 {
			days, err := strconv.Atoi(args[2])
			if err != nil || days <= 0 {
				return o.fail(fmt.Errorf("%w: days must be a positive integer", ErrUsage))
			}
			req.From = req.To.AddDate(0, 0, -(days - 1))
		}
		sym := util.NormalizeSymbol(args[1])
		gaps, err := o.Data.Gaps(ctx, sym, req.From, req.To)
		if err != nil {
			return o.fail(err)
		}
		missing := 0
		for _, g := range gaps {
			missing += g.Days
		}
		return ok(fmt.Sprintf("%s: %d missing days in %d gaps", sym, missing, len(gaps)), gaps)
	case "refresh":
		req := o.Data.DefaultRequest(o.symbols(args[1:]))
		rep, err := o.Data.Run(ctx, req)
		if err != nil {
			r := o.fail(err)
			r.Data = rep
			return r
		}
		msg := fmt.Sprintf("run %s: %d persisted, %d rejected, %d failures", rep.RunID, rep.Persisted, rep.Rejected, len(rep.Failures))
		return ok(msg, rep)
	default:
		return o.fail(fmt.Errorf("%w: data status|gaps|refresh", ErrUsage))
	}
}

type riskView struct {
	risk.Report
	VaR     []models.VaRResult `json:"var,omitempty"`
	Trading bool               `json:"trading"`
	Mode    string             `json:"mode,omitempty"`
}

func (o *Operator) risk(ctx context.Context) Result {
	if o.Risk == nil {
		return o.unavailable("risk")
	}
	v := riskView{Report: o.Risk.Evaluate(ctx)}
	if o.VaR != nil {
		res, err := o.VaR.LatestVaR(ctx, o.PortfolioID)
		if err != nil {
			return o.fail(err)
		}
		v.VaR = res
	}
	if o.Orders != nil {
		v.Trading, v.Mode = o.Orders.Trading(), o.Orders.Mode()
	}
	msg := fmt.Sprintf("equity %.2f, exposure %.2f, var %.2f%%", v.Snapshot.Equity, v.Snapshot.GrossExposure, v.VaRPct*100)
	if v.Emergency {
		msg += ", EMERGENCY STOP: " + v.Reason
	}
	return ok(msg, v)
}

func (o *Operator) alerts(ctx context.Context, args []string) Result {
	if o.Alerts == nil {
		return o.unavailable("alerts")
	}
	n := 50
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return o.fail(fmt.Errorf("%w: alerts [n]", ErrUsage))
		}
		n = v
	}
	evs, err := o.Alerts.RecentEvents(ctx, n)
	if err != nil {
		return o.fail(err)
	}
	return ok(fmt.Sprintf("%d alerts", len(evs)), evs)
}

// Performance summarizes realized predictions and the TRS windows.
type Performance struct {
	Days        int                `json:"days"`
	Realized    int                `json:"realized"`
	HitRate     float64            `json:"hit_rate"`
	MeanAbsErr  float64            `json:"mean_abs_error"`
	MeanReturn  float64            `json:"mean_realized_return"`
	TRS         []models.TRSWindow `json:"trs,omitempty"`
	ByModel     map[string]int     `json:"by_model,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

func (o *Operator) performance(ctx context.Context, args []string) Result {
	if o.Predictions == nil {
		return o.unavailable("predictions")
	}
	days := 30
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return o.fail(fmt.Errorf("%w: performance [days]", ErrUsage))
		}
		days = v
	}
	now := o.now().UTC()
	preds, err := o.Predictions.RealizedSince(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		return o.fail(err)
	}
	p := Summarize(preds)
	p.Days, p.GeneratedAt = days, now
	if o.TRS != nil {
		p.TRS = o.TRS.Status()
	}
	return ok(fmt.Sprintf("%d realized, hit rate %.1f%%", p.Realized, p.HitRate*100), p)
}

// Summarize scores realized predictions by direction and magnitude.
func Summarize(preds []models.Prediction) Performance {
	var p Performance
	var hits int
	var absErr, ret float64
	for _, pr := range preds {
		if !pr.Realized() {
			continue
		}
		r := *pr.RealizedReturn
		p.Realized++
		if (pr.PredictedReturn >= 0) == (r >= 0) {
			hits++
		}
		absErr += math.Abs(pr.PredictedReturn - r)
		ret += r
		if p.ByModel == nil {
			p.ByModel = make(map[string]int)
		}
		p.ByModel[pr.Model]++
	}
	if p.Realized > 0 {
		n := float64(p.Realized)
		p.HitRate, p.MeanAbsErr, p.MeanReturn = float64(hits)/n, absErr/n, ret/n
	}
	return p
}

func (o *Operator) trading(args []string) Result {
	if o.Orders == nil {
		return o.unavailable("orders")
	}
	if len(args) == 0 {
		return ok(fmt.Sprintf("trading %s", onOff(o.Orders.Trading())), map[string]bool{"trading": o.Orders.Trading()})
	}
	switch args[0] {
	case "on":
		o.Orders.SetTrading(true)
	case "off":
		o.Orders.SetTrading(false)
	default:
		return o.fail(fmt.Errorf("%w: trading on|off", ErrUsage))
	}
	return ok("trading "+args[0], map[string]bool{"trading": o.Orders.Trading()})
}

func (o *Operator) mode(args []string) Result {
	if o.Orders == nil {
		return o.unavailable("orders")
	}
	if len(args) == 0 {
		return ok("mode "+o.Orders.Mode(), map[string]string{"mode": o.Orders.Mode()})
	}
	if len(args) != 1 || (args[0] != "paper" && args[0] != "live") {
		return o.fail(fmt.Errorf("%w: mode paper|live", ErrUsage))
	}
	if err := o.Orders.SetMode(args[0]); err != nil {
		return o.fail(err)
	}
	return ok("mode "+args[0], map[string]string{"mode": args[0]})
}

func (o *Operator) parameter(args []string) Result {
	if o.Params == nil {
		return o.unavailable("parameters")
	}
	if len(args) == 0 {
		return o.fail(fmt.Errorf("%w: parameter get|set|list", ErrUsage))
	}
	switch args[0] {
	case "list":
		vals := o.Params.List()
		keys := make([]string, 0, len(vals))
		for k := range vals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s = %g\n", k, vals[k])
		}
		return ok(strings.TrimSuffix(b.String(), "\n"), vals)
	case "get":
		if len(args) != 2 {
			return o.fail(fmt.Errorf("%w: parameter get <key>", ErrUsage))
		}
		v, found := o.Params.Get(args[1])
		if !found {
			return o.fail(&errs.ValidationRejected{Field: args[1], Reason: "unknown parameter"})
		}
		return ok(fmt.Sprintf("%s = %g", args[1], v), map[string]float64{args[1]: v})
	case "set":
		if len(args) != 3 {
			return o.fail(fmt.Errorf("%w: parameter set <key> <value>", ErrUsage))
		}
		v, err := o.Params.Set(args[1], args[2])
		if err != nil {
			return o.fail(err)
		}
		return ok(fmt.Sprintf("%s = %g", args[1], v), map[string]float64{args[1]: v})
	default:
		return o.fail(fmt.Errorf("%w: parameter get|set|list", ErrUsage))
	}
}

func (o *Operator) sentiment(ctx context.Context, args []string) Result {
	if o.Sentiment == nil {
		return o.unavailable("sentiment")
	}
	if len(args) < 3 || args[0] != "override" {
		return o.fail(fmt.Errorf("%w: sentiment override <symbol> <score> [YYYY-MM-DD]", ErrUsage))
	}
	score, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return o.fail(&errs.ValidationRejected{Field: "score", Reason: "not a number"})
	}
	ov := models.SentimentOverride{Symbol: args[1], Score: score, Reason: "operator", Operator: o.operatorName()}
	if len(args) > 3 {
		day, err := time.Parse("2006-01-02", args[3])
		if err != nil {
			return o.fail(&errs.ValidationRejected{Field: "day", Reason: "want YYYY-MM-DD"})
		}
		ov.Day = day
	}
	d, err := o.Sentiment.SetOverride(ctx, ov)
	if err != nil {
		return o.fail(err)
	}
	return ok(fmt.Sprintf("%s %s sentiment %.2f", d.Symbol, d.Day.Format("2006-01-02"), d.MeanSentiment), d)
}

func (o *Operator) symbols(args []string) []string {
	if len(args) == 0 {
		return o.Symbols
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		for _, s := range strings.Split(a, ",") {
			if s = util.NormalizeSymbol(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func ok(msg string, data interface{}) Result {
	return Result{ExitCode: ExitOK, Message: msg, Data: data}
}

func (o *Operator) fail(err error) Result {
	code := errs.ExitCode(err)
	if code == 0 {
		code = ExitFailure
	}
	r := Result{ExitCode: code, Code: errs.CodeOf(err), Message: err.Error()}
	if errors.Is(err, ErrUsage) {
		r.Code = "Usage"
	}
	return r
}

func (o *Operator) unavailable(what string) Result {
	return Result{ExitCode: ExitFailure, Code: "Unavailable", Message: what + " is not configured"}
}

func (o *Operator) operatorName() string {
	if o.Name == "" {
		return "operator"
	}
	return o.Name
}

func (o *Operator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Operator) logger() *applogger.Logger {
	if o.Logger == nil {
		return applogger.NewNop()
	}
	return o.Logger
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
