// src/reporting/report.go
package reporting

import (
	"fmt"
	"io"

	"github.com/Rhymond/go-money"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/services"
)

// FormatCents renders a minor-unit amount as currency. go-money works on
// int64 minor units natively, so nothing is converted through floats.
func FormatCents(v int64) string {
	return money.New(v, money.USD).Display()
}

// WriteReconcileReport prints one line per recomputed account, flagging
// drift repairs.
func WriteReconcileReport(w io.Writer, results []services.ReconcileResult) {
	drifted := 0
	for _, r := range results {
		if !r.Changed {
			fmt.Fprintf(w, "%-12s %14s  ok\n", r.Code, FormatCents(r.NewBalance))
			continue
		}
		drifted++
		fmt.Fprintf(w, "%-12s %14s  DRIFT repaired (was %s)\n",
			r.Code, FormatCents(r.NewBalance), FormatCents(r.OldBalance))
	}
	fmt.Fprintf(w, "\n%d account(s) checked, %d repaired\n", len(results), drifted)
}

// WriteSalePlan prints the scenario comparison for a planned sale, marking
// the lowest-tax method.
func WriteSalePlan(w io.Writer, plan *services.SalePlan) {
	fmt.Fprintf(w, "Sell %d %s @ %s on %s (%d available)\n\n",
		plan.Quantity, plan.Symbol, FormatCents(plan.SalePrice),
		plan.SaleDate.Format("2006-01-02"), plan.TotalAvailable)

	for _, sc := range plan.Scenarios {
		marker := "  "
		if sc.Method == plan.BestMethod {
			marker = "* "
		}
		fmt.Fprintf(w, "%s%-9s gain %14s (ST %s / LT %s)  est. tax %s\n",
			marker, sc.Method,
			FormatCents(sc.TotalGain),
			FormatCents(sc.ShortTermGain),
			FormatCents(sc.LongTermGain),
			FormatCents(sc.EstimatedTax.Round(0).IntPart()))
	}
	fmt.Fprintf(w, "\nbest method: %s (lowest estimated tax; MinTax ordering is a heuristic, not a proof of optimality)\n",
		plan.BestMethod)
}

// WriteOwnershipReport prints how each unowned account was assigned.
func WriteOwnershipReport(w io.Writer, resolutions []services.OwnershipResolution) {
	for _, r := range resolutions {
		fmt.Fprintf(w, "%-12s -> user %d (via %s)\n", r.Code, r.UserID, r.Method)
	}
	fmt.Fprintf(w, "\n%d account(s) resolved\n", len(resolutions))
}
