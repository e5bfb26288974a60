// src/services/planning_service.go
package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/logger"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

// longTermHoldingDays is the exact day threshold for long-term treatment.
// A lot held exactly this many days is long-term; one day less is short-term.
const longTermHoldingDays = 365

// MatchMethod selects the lot ordering fed to the greedy matcher.
type MatchMethod string

const (
	MethodFIFO          MatchMethod = "FIFO"
	MethodLIFO          MatchMethod = "LIFO"
	MethodHIFO          MatchMethod = "HIFO"
	MethodLOFO          MatchMethod = "LOFO"
	MethodLongTermFirst MatchMethod = "LT_FIRST"
	MethodMinTax        MatchMethod = "MIN_TAX"
)

// allMethods is the scenario evaluation order; ties on estimated tax go to
// the earliest method here.
var allMethods = []MatchMethod{MethodFIFO, MethodLIFO, MethodHIFO, MethodLOFO, MethodLongTermFirst, MethodMinTax}

func (m MatchMethod) Valid() bool {
	switch m {
	case MethodFIFO, MethodLIFO, MethodHIFO, MethodLOFO, MethodLongTermFirst, MethodMinTax:
		return true
	}
	return false
}

// ParseMatchMethod parses a string into a MatchMethod.
func ParseMatchMethod(s string) (MatchMethod, error) {
	m := MatchMethod(strings.ToUpper(strings.ReplaceAll(s, "-", "_")))
	if !m.Valid() {
		return "", fmt.Errorf("unknown lot matching method: %q", s)
	}
	return m, nil
}

// LotAllocation is one lot's share of a planned or committed sale.
type LotAllocation struct {
	LotID             string    `json:"lot_id"`
	AcquiredDate      time.Time `json:"acquired_date"`
	Quantity          int64     `json:"quantity"`
	CostBasisUsed     int64     `json:"cost_basis_used"`
	ProceedsAllocated int64     `json:"proceeds_allocated"`
	GainLoss          int64     `json:"gain_loss"`
	LongTerm          bool      `json:"long_term"`
}

// SaleScenario is the outcome of one matching method applied to a sale.
// Monetary fields are minor units; EstimatedTax stays decimal so rate
// arithmetic never touches binary floating point.
type SaleScenario struct {
	Method         MatchMethod     `json:"method"`
	Allocations    []LotAllocation `json:"allocations"`
	ShortTermGain  int64           `json:"short_term_gain"`
	LongTermGain   int64           `json:"long_term_gain"`
	TotalGain      int64           `json:"total_gain"`
	TotalProceeds  int64           `json:"total_proceeds"`
	TotalCostBasis int64           `json:"total_cost_basis"`
	EstimatedTax   decimal.Decimal `json:"estimated_tax"`
}

// SalePlan compares every matching method for a prospective sale.
type SalePlan struct {
	Symbol         string         `json:"symbol"`
	Quantity       int64          `json:"quantity"`
	SalePrice      int64          `json:"sale_price"`
	SaleDate       time.Time      `json:"sale_date"`
	TotalAvailable int64          `json:"total_available"`
	Scenarios      []SaleScenario `json:"scenarios"`
	BestMethod     MatchMethod    `json:"best_method"`
}

// PlanSaleInput describes the what-if sale. SalePrice is minor units per
// share; rates are fractions such as 0.37.
type PlanSaleInput struct {
	UserID        int64           `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	SalePrice     int64           `json:"sale_price"`
	SaleDate      time.Time       `json:"sale_date"`
	ShortTermRate decimal.Decimal `json:"short_term_rate"`
	LongTermRate  decimal.Decimal `json:"long_term_rate"`
}

const (
	ckSalePlan             = "plan_user_%d_%s_q%d_p%d_%s_%s_%s"
	ckSalePlanUserPrefix   = "plan_user_%d_"
	DefaultCacheExpiration = 15 * time.Minute
	CacheCleanupInterval   = 30 * time.Minute
)

type planningServiceImpl struct {
	db        *sql.DB
	planCache *cache.Cache
}

// NewPlanningService returns a PlanningService backed by db. Plans are
// memoized in planCache until a lot write invalidates the user's entries.
func NewPlanningService(db *sql.DB, planCache *cache.Cache) PlanningService {
	return &planningServiceImpl{db: db, planCache: planCache}
}

// PlanSale is pure what-if: it reads the symbol's open lots, runs every
// matching method through the greedy matcher, and scores each scenario by
// estimated tax. Nothing is written; committing a sale is a separate,
// explicit LotService call that re-validates available quantities.
func (s *planningServiceImpl) PlanSale(ctx context.Context, input PlanSaleInput) (*SalePlan, error) {
	if input.Quantity <= 0 {
		return nil, fmt.Errorf("sale quantity must be positive, got %d", input.Quantity)
	}
	if input.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	cacheKey := fmt.Sprintf(ckSalePlan, input.UserID, input.Symbol, input.Quantity, input.SalePrice,
		input.SaleDate.Format("2006-01-02"), input.ShortTermRate.String(), input.LongTermRate.String())
	if cached, found := s.planCache.Get(cacheKey); found {
		return cached.(*SalePlan), nil
	}

	lots, err := openLotsQ(ctx, s.db, input.UserID, input.Symbol)
	if err != nil {
		return nil, err
	}

	var totalAvailable int64
	for _, lot := range lots {
		totalAvailable += lot.RemainingQuantity
	}
	if totalAvailable < input.Quantity {
		return nil, &InsufficientSharesError{Symbol: input.Symbol, Requested: input.Quantity, Available: totalAvailable}
	}

	plan := &SalePlan{
		Symbol:         input.Symbol,
		Quantity:       input.Quantity,
		SalePrice:      input.SalePrice,
		SaleDate:       input.SaleDate,
		TotalAvailable: totalAvailable,
	}

	for _, method := range allMethods {
		ordered := orderLots(lots, method, input.SalePrice, input.SaleDate)
		allocations, shortGain, longGain := matchGreedy(ordered, input.Quantity, input.SalePrice, input.SaleDate)

		scenario := SaleScenario{
			Method:        method,
			Allocations:   allocations,
			ShortTermGain: shortGain,
			LongTermGain:  longGain,
			TotalGain:     shortGain + longGain,
			EstimatedTax:  estimateTax(shortGain, longGain, input.ShortTermRate, input.LongTermRate),
		}
		for _, a := range allocations {
			scenario.TotalProceeds += a.ProceedsAllocated
			scenario.TotalCostBasis += a.CostBasisUsed
		}
		plan.Scenarios = append(plan.Scenarios, scenario)

		// First scenario computed wins ties.
		if plan.BestMethod == "" || scenario.EstimatedTax.LessThan(bestTax(plan)) {
			plan.BestMethod = method
		}
	}

	s.planCache.Set(cacheKey, plan, DefaultCacheExpiration)
	logger.L.Debug("Sale plan computed", "symbol", input.Symbol, "quantity", input.Quantity, "bestMethod", plan.BestMethod)
	return plan, nil
}

func bestTax(plan *SalePlan) decimal.Decimal {
	for _, sc := range plan.Scenarios {
		if sc.Method == plan.BestMethod {
			return sc.EstimatedTax
		}
	}
	return decimal.Zero
}

// InvalidateUser drops every cached plan for the user. Lot writes call this
// so stale availability never survives a disposition.
func (s *planningServiceImpl) InvalidateUser(userID int64) {
	invalidateUserPlans(s.planCache, userID)
}

// estimateTax applies the per-bracket rates to the gain subtotals. Losses
// contribute negatively, reducing the estimate.
func estimateTax(shortGain, longGain int64, shortRate, longRate decimal.Decimal) decimal.Decimal {
	short := decimal.NewFromInt(shortGain).Mul(shortRate)
	long := decimal.NewFromInt(longGain).Mul(longRate)
	return short.Add(long)
}

// daysBetween counts whole calendar days between two dates, ignoring
// time-of-day and zone.
func daysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}

// isLongTerm applies the exact 365-day holding threshold. Months are never
// used here; the boundary is day-precise.
func isLongTerm(acquired, sale time.Time) bool {
	return daysBetween(acquired, sale) >= longTermHoldingDays
}

// orderLots returns a copy of lots sorted for the given method. The input
// is expected in FIFO order (acquisition date ascending), which stable
// sorting preserves as the tie-break.
func orderLots(lots []models.StockLot, method MatchMethod, salePrice int64, saleDate time.Time) []models.StockLot {
	ordered := make([]models.StockLot, len(lots))
	copy(ordered, lots)

	switch method {
	case MethodFIFO:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].AcquiredDate.Before(ordered[j].AcquiredDate)
		})
	case MethodLIFO:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].AcquiredDate.After(ordered[j].AcquiredDate)
		})
	case MethodHIFO:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].CostPerShare > ordered[j].CostPerShare
		})
	case MethodLOFO:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].CostPerShare < ordered[j].CostPerShare
		})
	case MethodLongTermFirst:
		sort.SliceStable(ordered, func(i, j int) bool {
			li, lj := isLongTerm(ordered[i].AcquiredDate, saleDate), isLongTerm(ordered[j].AcquiredDate, saleDate)
			if li != lj {
				return li
			}
			return ordered[i].AcquiredDate.Before(ordered[j].AcquiredDate)
		})
	case MethodMinTax:
		sort.SliceStable(ordered, func(i, j int) bool {
			return minTaxLess(ordered[i], ordered[j], salePrice, saleDate)
		})
	}
	return ordered
}

// minTaxLess encodes the MinTax heuristic ordering: losing lots first
// (largest cost per share first), then long-term gains ascending by gain
// per share, then short-term gains ascending by gain per share. This is a
// greedy approximation, not a provably optimal allocation under combined
// bracket rules.
func minTaxLess(a, b models.StockLot, salePrice int64, saleDate time.Time) bool {
	ra, rb := minTaxRank(a, salePrice, saleDate), minTaxRank(b, salePrice, saleDate)
	if ra != rb {
		return ra < rb
	}
	gainA := salePrice - a.CostPerShare
	gainB := salePrice - b.CostPerShare
	if ra == 0 {
		// Both losers: biggest cost per share first.
		return a.CostPerShare > b.CostPerShare
	}
	return gainA < gainB
}

func minTaxRank(lot models.StockLot, salePrice int64, saleDate time.Time) int {
	if salePrice-lot.CostPerShare < 0 {
		return 0
	}
	if isLongTerm(lot.AcquiredDate, saleDate) {
		return 1
	}
	return 2
}

// matchGreedy consumes the ordered lots front to back, taking
// min(remaining need, lot remaining) from each until the sale quantity is
// exhausted, and partitions gains into short- and long-term subtotals.
// Proceeds and cost basis are exact integer products; no per-lot rounding
// can occur.
func matchGreedy(ordered []models.StockLot, quantity, salePrice int64, saleDate time.Time) (allocations []LotAllocation, shortGain, longGain int64) {
	remaining := quantity
	for _, lot := range ordered {
		if remaining == 0 {
			break
		}
		take := lot.RemainingQuantity
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}

		costBasisUsed := take * lot.CostPerShare
		proceeds := take * salePrice
		gain := proceeds - costBasisUsed
		longTerm := isLongTerm(lot.AcquiredDate, saleDate)

		allocations = append(allocations, LotAllocation{
			LotID:             lot.ID,
			AcquiredDate:      lot.AcquiredDate,
			Quantity:          take,
			CostBasisUsed:     costBasisUsed,
			ProceedsAllocated: proceeds,
			GainLoss:          gain,
			LongTerm:          longTerm,
		})
		if longTerm {
			longGain += gain
		} else {
			shortGain += gain
		}
		remaining -= take
	}
	return allocations, shortGain, longGain
}
