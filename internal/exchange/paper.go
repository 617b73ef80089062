package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"orderdispatch/internal/models"
)

// PaperConfig - параметры симулятора
type PaperConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64 // доля ордеров, отклоняемых как временный сбой (0..1)
	Seed        int64   // 0 = от текущего времени
	FillHistory int     // сколько последних отчётов хранить; 0 = DefaultFillHistory
}

// DefaultFillHistory - размер истории исполнений по умолчанию
const DefaultFillHistory = 10000

// Опорные цены по умолчанию для рыночных ордеров
var defaultReferencePrices = map[models.AssetType]decimal.Decimal{
	models.AssetEUR: decimal.RequireFromString("1.0850"),
	models.AssetGBP: decimal.RequireFromString("1.2700"),
	models.AssetUSD: decimal.NewFromInt(1),
	models.AssetBTC: decimal.NewFromInt(64000),
	models.AssetETH: decimal.NewFromInt(3200),
}

// PaperExchange - симулятор брокера в памяти
//
// Исполняет ордер целиком после случайной задержки в [MinLatency, MaxLatency].
// LIMIT и STOP исполняются по цене ордера, MARKET по опорной цене актива.
// Уважает ctx: отмена во время задержки возвращает ctx.Err().
type PaperExchange struct {
	cfg   PaperConfig
	clock clock.Clock

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[models.AssetType]decimal.Decimal
	fills  *lru.Cache[string, *models.ExecutionReport] // orderID -> отчёт, вытесняются старые
}

// NewPaperExchange создаёт симулятор
func NewPaperExchange(cfg PaperConfig, clk clock.Clock) *PaperExchange {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if cfg.FillHistory <= 0 {
		cfg.FillHistory = DefaultFillHistory
	}
	// ошибка только для size <= 0
	fills, _ := lru.New[string, *models.ExecutionReport](cfg.FillHistory)

	prices := make(map[models.AssetType]decimal.Decimal, len(defaultReferencePrices))
	for a, p := range defaultReferencePrices {
		prices[a] = p
	}

	return &PaperExchange{
		cfg:    cfg,
		clock:  clk,
		rng:    rand.New(rand.NewSource(seed)),
		prices: prices,
		fills:  fills,
	}
}

// SetReferencePrice задаёт опорную цену актива
func (p *PaperExchange) SetReferencePrice(asset models.AssetType, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[asset] = price
	p.mu.Unlock()
}

// Fill возвращает отчёт об исполнении ордера из последних FillHistory
func (p *PaperExchange) Fill(orderID string) (*models.ExecutionReport, bool) {
	return p.fills.Get(orderID)
}

// Execute реализует dispatcher.Executor
func (p *PaperExchange) Execute(ctx context.Context, order models.OrderSnapshot) (*models.ExecutionReport, error) {
	latency, fail := p.roll()

	if latency > 0 {
		timer := p.clock.Timer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if fail {
		return nil, &ExchangeError{
			Venue:     VenuePaper,
			Code:      CodeUnavailable,
			Message:   "simulated venue failure",
			Temporary: true,
		}
	}

	price, err := p.fillPrice(order)
	if err != nil {
		return nil, err
	}

	report := &models.ExecutionReport{
		ExternalID:     uuid.NewString(),
		FilledQuantity: order.Quantity,
		AveragePrice:   price,
		Venue:          VenuePaper,
		ExecutedAt:     p.clock.Now(),
	}

	p.fills.Add(order.ID, report)

	return report, nil
}

// roll выбирает задержку и исход под одним мьютексом (rand.Rand не потокобезопасен)
func (p *PaperExchange) roll() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	latency := p.cfg.MinLatency
	if spread := p.cfg.MaxLatency - p.cfg.MinLatency; spread > 0 {
		latency += time.Duration(p.rng.Int63n(int64(spread) + 1))
	}
	fail := p.cfg.FailureRate > 0 && p.rng.Float64() < p.cfg.FailureRate
	return latency, fail
}

func (p *PaperExchange) fillPrice(order models.OrderSnapshot) (decimal.Decimal, error) {
	if order.Type != models.OrderTypeMarket && order.Price.Valid {
		return order.Price.Decimal, nil
	}

	p.mu.Lock()
	price, ok := p.prices[order.AssetType]
	p.mu.Unlock()
	if !ok {
		return decimal.Zero, &ExchangeError{
			Venue:   VenuePaper,
			Code:    CodeInvalidOrder,
			Message: "no reference price for " + string(order.AssetType),
		}
	}
	return price, nil
}
