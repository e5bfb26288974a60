package services

import (
	"context"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

// newPlanningFixture wires a lot service and a planning service around the
// same plan cache, the way main does.
func newPlanningFixture(t *testing.T) (LotService, PlanningService) {
	t.Helper()
	db := newTestDB(t)
	planCache := cache.New(DefaultCacheExpiration, CacheCleanupInterval)
	return NewLotService(db, planCache), NewPlanningService(db, planCache)
}

func openTestLot(t *testing.T, lots LotService, acquired time.Time, quantity, costPerShare int64) *models.StockLot {
	t.Helper()
	lot, err := lots.OpenLot(context.Background(), OpenLotInput{
		UserID:       testUserID,
		Symbol:       "ACME",
		AcquiredDate: acquired,
		Quantity:     quantity,
		CostPerShare: costPerShare,
	})
	require.NoError(t, err)
	return lot
}

func scenarioFor(t *testing.T, plan *SalePlan, method MatchMethod) SaleScenario {
	t.Helper()
	for _, sc := range plan.Scenarios {
		if sc.Method == method {
			return sc
		}
	}
	t.Fatalf("plan has no scenario for %s", method)
	return SaleScenario{}
}

func planACME(t *testing.T, planning PlanningService, quantity, salePrice int64, saleDate time.Time) *SalePlan {
	t.Helper()
	plan, err := planning.PlanSale(context.Background(), PlanSaleInput{
		UserID:        testUserID,
		Symbol:        "ACME",
		Quantity:      quantity,
		SalePrice:     salePrice,
		SaleDate:      saleDate,
		ShortTermRate: decimal.NewFromFloat(0.37),
		LongTermRate:  decimal.NewFromFloat(0.15),
	})
	require.NoError(t, err)
	return plan
}

func TestPlanSaleFIFOScenario(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	oldLot := openTestLot(t, lots, day(2023, time.January, 1), 100, 1000)
	newLot := openTestLot(t, lots, day(2024, time.June, 1), 50, 2000)

	plan := planACME(t, planning, 120, 1500, day(2024, time.July, 1))
	assert.EqualValues(t, 150, plan.TotalAvailable)
	assert.Len(t, plan.Scenarios, 6, "one scenario per matching method")

	fifo := scenarioFor(t, plan, MethodFIFO)
	require.Len(t, fifo.Allocations, 2)

	// The 2023 lot goes first and is long-term: 100 x (1500-1000) = +50000.
	assert.Equal(t, oldLot.ID, fifo.Allocations[0].LotID)
	assert.EqualValues(t, 100, fifo.Allocations[0].Quantity)
	assert.True(t, fifo.Allocations[0].LongTerm)
	assert.EqualValues(t, 50000, fifo.Allocations[0].GainLoss)

	// Then 20 short-term shares from the 2024 lot: 20 x (1500-2000) = -10000.
	assert.Equal(t, newLot.ID, fifo.Allocations[1].LotID)
	assert.EqualValues(t, 20, fifo.Allocations[1].Quantity)
	assert.False(t, fifo.Allocations[1].LongTerm)
	assert.EqualValues(t, -10000, fifo.Allocations[1].GainLoss)

	assert.EqualValues(t, 50000, fifo.LongTermGain)
	assert.EqualValues(t, -10000, fifo.ShortTermGain)
	assert.EqualValues(t, 40000, fifo.TotalGain)
	assert.EqualValues(t, 180000, fifo.TotalProceeds)
	assert.EqualValues(t, 140000, fifo.TotalCostBasis)

	// 50000 x 0.15 - 10000 x 0.37 = 7500 - 3700 = 3800.
	assert.True(t, fifo.EstimatedTax.Equal(decimal.NewFromInt(3800)), "got %s", fifo.EstimatedTax)
}

func TestPlanSaleIsReadOnly(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	lot := openTestLot(t, lots, day(2023, time.January, 1), 100, 1000)
	planACME(t, planning, 60, 1500, day(2024, time.July, 1))

	got, err := lots.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.RemainingQuantity, "planning must never consume shares")
	assert.Equal(t, models.LotStatusOpen, got.Status)
}

func TestPlanSaleInsufficientShares(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	openTestLot(t, lots, day(2023, time.January, 1), 100, 1000)

	_, err := planning.PlanSale(context.Background(), PlanSaleInput{
		UserID: testUserID, Symbol: "ACME", Quantity: 120, SalePrice: 1500,
		SaleDate:      day(2024, time.July, 1),
		ShortTermRate: decimal.NewFromFloat(0.37),
		LongTermRate:  decimal.NewFromFloat(0.15),
	})
	var insufficient *InsufficientSharesError
	require.ErrorAs(t, err, &insufficient)
	assert.EqualValues(t, 20, insufficient.Shortfall())
}

func TestPlanSaleMethodOrderings(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	// Three lots with distinct ages and costs; the sale of 10 shares picks a
	// different first lot per method.
	lotA := openTestLot(t, lots, day(2023, time.January, 1), 10, 1000) // long-term, cheapest
	lotB := openTestLot(t, lots, day(2023, time.June, 1), 10, 3000)   // long-term, underwater at 2000
	lotC := openTestLot(t, lots, day(2024, time.June, 20), 10, 2000)  // short-term

	plan := planACME(t, planning, 10, 2000, day(2024, time.July, 1))

	firstLot := func(method MatchMethod) string {
		sc := scenarioFor(t, plan, method)
		require.NotEmpty(t, sc.Allocations)
		return sc.Allocations[0].LotID
	}

	assert.Equal(t, lotA.ID, firstLot(MethodFIFO), "oldest acquisition first")
	assert.Equal(t, lotC.ID, firstLot(MethodLIFO), "newest acquisition first")
	assert.Equal(t, lotB.ID, firstLot(MethodHIFO), "highest cost first")
	assert.Equal(t, lotA.ID, firstLot(MethodLOFO), "lowest cost first")
	assert.Equal(t, lotA.ID, firstLot(MethodLongTermFirst), "long-term lots before short-term")
	assert.Equal(t, lotB.ID, firstLot(MethodMinTax), "losing lots before any gains")
}

func TestMinTaxOrderingAcrossAllLots(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	lotGainLT := openTestLot(t, lots, day(2023, time.January, 1), 10, 1000) // LT gain +1000/share
	lotLoser := openTestLot(t, lots, day(2023, time.June, 1), 10, 3000)    // loser -1000/share
	lotGainST := openTestLot(t, lots, day(2024, time.June, 20), 10, 2000)  // ST gain 0/share

	plan := planACME(t, planning, 30, 2000, day(2024, time.July, 1))
	minTax := scenarioFor(t, plan, MethodMinTax)
	require.Len(t, minTax.Allocations, 3)

	// Losers first, then long-term gains ascending, then short-term gains.
	assert.Equal(t, lotLoser.ID, minTax.Allocations[0].LotID)
	assert.Equal(t, lotGainLT.ID, minTax.Allocations[1].LotID)
	assert.Equal(t, lotGainST.ID, minTax.Allocations[2].LotID)
}

func TestPlanSaleBestMethodMinimizesTax(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	// Both lots are short-term; the later, more expensive lot realizes the
	// smaller gain, so the methods that pick it beat plain FIFO.
	openTestLot(t, lots, day(2024, time.June, 1), 10, 1000)
	openTestLot(t, lots, day(2024, time.June, 20), 10, 1800)

	plan := planACME(t, planning, 10, 2000, day(2024, time.July, 1))

	best := scenarioFor(t, plan, plan.BestMethod)
	for _, sc := range plan.Scenarios {
		assert.True(t, best.EstimatedTax.LessThanOrEqual(sc.EstimatedTax),
			"best %s (%s) must not lose to %s (%s)", plan.BestMethod, best.EstimatedTax, sc.Method, sc.EstimatedTax)
	}

	// LIFO, HIFO, and MinTax all pick the 1800 lot (gain 2000, tax 740);
	// ties go to the earliest method evaluated.
	assert.Equal(t, MethodLIFO, plan.BestMethod)
	assert.True(t, best.EstimatedTax.Equal(decimal.NewFromInt(740)), "got %s", best.EstimatedTax)
}

func TestPlanSaleBestMethodTieGoesToFIFO(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	// One lot means every method produces the same scenario.
	openTestLot(t, lots, day(2023, time.January, 1), 100, 1000)

	plan := planACME(t, planning, 50, 1500, day(2024, time.July, 1))
	assert.Equal(t, MethodFIFO, plan.BestMethod)
}

func TestHoldingPeriodBoundary(t *testing.T) {
	t.Parallel()

	sale := day(2024, time.July, 1)
	assert.True(t, isLongTerm(sale.AddDate(0, 0, -365), sale), "exactly 365 days is long-term")
	assert.False(t, isLongTerm(sale.AddDate(0, 0, -364), sale), "364 days is short-term")
	assert.True(t, isLongTerm(sale.AddDate(0, 0, -366), sale))

	// Time of day never matters; only calendar days count.
	acquired := time.Date(2023, time.July, 2, 23, 59, 0, 0, time.UTC)
	saleEvening := time.Date(2024, time.July, 1, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, 365, daysBetween(acquired, saleEvening))
	assert.True(t, isLongTerm(acquired, saleEvening))
}

func TestPlanSaleHoldingBoundaryThroughMatcher(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	sale := day(2024, time.July, 1)
	ltLot := openTestLot(t, lots, sale.AddDate(0, 0, -365), 10, 1000)
	stLot := openTestLot(t, lots, sale.AddDate(0, 0, -364), 10, 1000)

	plan := planACME(t, planning, 20, 1500, sale)
	fifo := scenarioFor(t, plan, MethodFIFO)
	require.Len(t, fifo.Allocations, 2)

	for _, alloc := range fifo.Allocations {
		switch alloc.LotID {
		case ltLot.ID:
			assert.True(t, alloc.LongTerm)
		case stLot.ID:
			assert.False(t, alloc.LongTerm)
		default:
			t.Fatalf("unexpected lot %s in allocation", alloc.LotID)
		}
	}
	assert.EqualValues(t, 5000, fifo.LongTermGain)
	assert.EqualValues(t, 5000, fifo.ShortTermGain)
}

func TestEstimateTax(t *testing.T) {
	t.Parallel()

	short := decimal.NewFromFloat(0.37)
	long := decimal.NewFromFloat(0.15)

	got := estimateTax(10000, 20000, short, long)
	assert.True(t, got.Equal(decimal.NewFromInt(6700)), "got %s", got)

	// Losses offset the estimate instead of being floored at zero.
	got = estimateTax(-10000, 20000, short, long)
	assert.True(t, got.Equal(decimal.NewFromInt(-700)), "got %s", got)
}

func TestPlanCacheInvalidatedByLotWrites(t *testing.T) {
	t.Parallel()
	lots, planning := newPlanningFixture(t)

	openTestLot(t, lots, day(2023, time.January, 1), 10, 1000)

	plan := planACME(t, planning, 10, 1500, day(2024, time.July, 1))
	assert.EqualValues(t, 10, plan.TotalAvailable)

	// A new lot must invalidate the cached plan for this user.
	openTestLot(t, lots, day(2023, time.February, 1), 5, 1000)

	plan = planACME(t, planning, 10, 1500, day(2024, time.July, 1))
	assert.EqualValues(t, 15, plan.TotalAvailable)
}

func TestParseMatchMethod(t *testing.T) {
	t.Parallel()

	m, err := ParseMatchMethod("fifo")
	require.NoError(t, err)
	assert.Equal(t, MethodFIFO, m)

	m, err = ParseMatchMethod("min-tax")
	require.NoError(t, err)
	assert.Equal(t, MethodMinTax, m)

	m, err = ParseMatchMethod("lt_first")
	require.NoError(t, err)
	assert.Equal(t, MethodLongTermFirst, m)

	_, err = ParseMatchMethod("bogus")
	assert.Error(t, err)
}
