package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	"CryptoPull/pkg/sqlite"
)

// SQLiteTradingRepository persists positions, their journal and orders.
type SQLiteTradingRepository struct {
	db *sqlite.DB
}

func NewTradingRepository(db *sqlite.DB) *SQLiteTradingRepository {
	return &SQLiteTradingRepository{db: db}
}

var (
	_ repository.PositionJournal = (*SQLiteTradingRepository)(nil)
	_ repository.OrderRepository = (*SQLiteTradingRepository)(nil)
)

// AppendDelta is idempotent on ExecutionID.
func (r *SQLiteTradingRepository) AppendDelta(ctx context.Context, d models.PositionDelta) error {
	rec := journalRecord{
		ExecutionID: d.ExecutionID, OrderID: d.OrderID, Symbol: d.Symbol, Quantity: d.Quantity,
		Price: d.Price, Fee: d.Fee, RealizedPnL: d.RealizedPnL, At: toMillis(d.At),
	}
	err := r.db.Gorm(ctx).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "execution_id"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return errs.Storage("append position delta", err)
	}
	return nil
}

// SavePositions replaces the stored book with positions in one transaction.
func (r *SQLiteTradingRepository) SavePositions(ctx context.Context, positions []models.Position) error {
	err := r.db.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&positionRecord{}).Error; err != nil {
			return err
		}
		if len(positions) == 0 {
			return nil
		}
		recs := make([]positionRecord, len(positions))
		for i, p := range positions {
			recs[i] = positionRecord{
				Symbol: p.Symbol, Quantity: p.Quantity, AvgPrice: p.AvgPrice, MarkPrice: p.MarkPrice,
				UnrealizedPnL: p.UnrealizedPnL, RealizedPnL: p.RealizedPnL,
				OpenedAt: toMillis(p.OpenedAt), UpdatedAt: toMillis(p.UpdatedAt),
			}
		}
		return tx.Create(&recs).Error
	})
	if err != nil {
		return errs.Storage("save positions", err)
	}
	return nil
}

func (r *SQLiteTradingRepository) LoadPositions(ctx context.Context) ([]models.Position, error) {
	var recs []positionRecord
	if err := r.db.Gorm(ctx).Order("symbol").Find(&recs).Error; err != nil {
		return nil, errs.Storage("load positions", err)
	}
	out := make([]models.Position, len(recs))
	for i, rec := range recs {
		out[i] = models.Position{
			Symbol: rec.Symbol, Quantity: rec.Quantity, AvgPrice: rec.AvgPrice, MarkPrice: rec.MarkPrice,
			UnrealizedPnL: rec.UnrealizedPnL, RealizedPnL: rec.RealizedPnL,
			OpenedAt: fromMillis(rec.OpenedAt), UpdatedAt: fromMillis(rec.UpdatedAt),
		}
	}
	return out, nil
}

func (r *SQLiteTradingRepository) SaveOrder(ctx context.Context, o models.Order) error {
	rec := orderToRecord(o)
	if err := r.db.Gorm(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return errs.Storage("save order", err)
	}
	return nil
}

func (r *SQLiteTradingRepository) AppendTransition(ctx context.Context, t models.Transition) error {
	rec := transitionRecord{OrderID: t.OrderID, From: t.From.String(), To: t.To.String(), Reason: t.Reason, At: toMillis(t.At)}
	if err := r.db.Gorm(ctx).Create(&rec).Error; err != nil {
		return errs.Storage("append transition", err)
	}
	return nil
}

func (r *SQLiteTradingRepository) AppendExecution(ctx context.Context, e models.Execution) error {
	rec := executionRecord{
		ID: e.ID, OrderID: e.OrderID, Exchange: e.Exchange, Symbol: e.Symbol, Side: e.Side.String(),
		Quantity: e.Quantity, Price: e.Price, ExpectedPrice: e.ExpectedPrice, SlippageBps: e.SlippageBps,
		Fee: e.Fee, LatencyMS: e.Latency.Milliseconds(), ExecutedAt: toMillis(e.ExecutedAt),
	}
	err := r.db.Gorm(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return errs.Storage("append execution", err)
	}
	return nil
}

func (r *SQLiteTradingRepository) Order(ctx context.Context, id string) (*models.Order, error) {
	var rec orderRecord
	err := r.db.Gorm(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("query order", err)
	}
	o := rec.model()
	return &o, nil
}

func (r *SQLiteTradingRepository) OpenOrders(ctx context.Context) ([]models.Order, error) {
	var recs []orderRecord
	err := r.db.Gorm(ctx).
		Where("status IN ?", []string{models.StatusNew.String(), models.StatusRouted.String(), models.StatusPartial.String()}).
		Order("submitted_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, errs.Storage("open orders", err)
	}
	out := make([]models.Order, len(recs))
	for i, rec := range recs {
		out[i] = rec.model()
	}
	return out, nil
}

func (r *SQLiteTradingRepository) Transitions(ctx context.Context, orderID string) ([]models.Transition, error) {
	var recs []transitionRecord
	if err := r.db.Gorm(ctx).Where("order_id = ?", orderID).Order("id").Find(&recs).Error; err != nil {
		return nil, errs.Storage("order transitions", err)
	}
	out := make([]models.Transition, len(recs))
	for i, rec := range recs {
		from, _ := models.ParseOrderStatus(rec.From)
		to, _ := models.ParseOrderStatus(rec.To)
		out[i] = models.Transition{OrderID: rec.OrderID, From: from, To: to, Reason: rec.Reason, At: fromMillis(rec.At)}
	}
	return out, nil
}

func (r *SQLiteTradingRepository) Executions(ctx context.Context, since time.Time) ([]models.Execution, error) {
	var recs []executionRecord
	err := r.db.Gorm(ctx).Where("executed_at >= ?", toMillis(since)).Order("executed_at, id").Find(&recs).Error
	if err != nil {
		return nil, errs.Storage("executions", err)
	}
	out := make([]models.Execution, len(recs))
	for i, rec := range recs {
		side, _ := models.ParseSide(rec.Side)
		out[i] = models.Execution{
			ID: rec.ID, OrderID: rec.OrderID, Exchange: rec.Exchange, Symbol: rec.Symbol, Side: side,
			Quantity: rec.Quantity, Price: rec.Price, ExpectedPrice: rec.ExpectedPrice, SlippageBps: rec.SlippageBps,
			Fee: rec.Fee, Latency: time.Duration(rec.LatencyMS) * time.Millisecond, ExecutedAt: fromMillis(rec.ExecutedAt),
		}
	}
	return out, nil
}
