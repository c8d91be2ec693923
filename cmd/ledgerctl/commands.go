package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"opstracker/backend/internal/bootstrap"
	"opstracker/backend/internal/config"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/logging"
	"opstracker/backend/internal/service"
)

var commands = []subcommands.Command{
	&reportCmd{},
	&rateCmd{},
	&rebuildCmd{},
}

// openApp is swapped in tests.
var openApp = func(ctx context.Context) (*bootstrap.App, error) {
	cfg := config.Load()
	logger := logging.NewWithOutput(cfg.LogLevel, os.Stderr)
	return bootstrap.Open(ctx, cfg, logger)
}

// withService opens the ledger, runs fn and maps the outcome to an exit status.
func withService(ctx context.Context, fn func(ctx context.Context, svc *service.Service) error) subcommands.ExitStatus {
	app, err := openApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer app.Close()

	if err := fn(ctx, app.Service); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type reportCmd struct {
	kind            string
	year            int
	includeExpenses bool
	asJSON          bool
	out             io.Writer
}

func (*reportCmd) Name() string     { return "report" }
func (*reportCmd) Synopsis() string { return "print a profit report in the reporting currency" }
func (*reportCmd) Usage() string {
	return `ledgerctl report [-kind profit|monthly|yearly|net|batches] [-year <yyyy>] [-expenses] [-json]

  Prints one of the ledger reports. Monthly needs -year; net without -year
  groups by year.
`
}

func (c *reportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "profit", "Report to print: profit, monthly, yearly, net or batches.")
	f.IntVar(&c.year, "year", 0, "Calendar year for monthly and net reports.")
	f.BoolVar(&c.includeExpenses, "expenses", false, "Cost sales at the expense-inclusive unit cost.")
	f.BoolVar(&c.asJSON, "json", false, "Print JSON instead of a table.")
}

func (c *reportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withService(ctx, c.run)
}

func (c *reportCmd) run(ctx context.Context, svc *service.Service) error {
	out := c.writer()
	switch strings.ToLower(c.kind) {
	case "profit":
		rows, err := svc.ProfitBySale(ctx, c.includeExpenses)
		if err != nil {
			return err
		}
		if c.asJSON {
			return writeJSON(out, rows)
		}
		tw := newTable(out, "PRODUCT", "CATEGORY", "QTY", "REVENUE", "COST", "PROFIT", "MARGIN%")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", r.ProductID, joinCategory(r.Category, r.Subcategory), r.Quantity,
				svc.FormatBase(r.Revenue), svc.FormatBase(r.Cost), svc.FormatBase(r.Profit), r.MarginPct.StringFixed(2))
		}
		return tw.Flush()
	case "monthly", "yearly":
		rep, err := c.periodReport(ctx, svc)
		if err != nil {
			return err
		}
		if c.asJSON {
			return writeJSON(out, rep)
		}
		tw := newTable(out, "PERIOD", "QTY", "REVENUE", "COST", "PROFIT", "MARGIN%")
		for _, r := range rep.Rows {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", r.Period, r.Quantity,
				svc.FormatBase(r.Revenue), svc.FormatBase(r.Cost), svc.FormatBase(r.Profit), r.MarginPct.StringFixed(2))
		}
		for _, r := range rep.ReturnImpact {
			fmt.Fprintf(tw, "%s returns\t%d\t-%s\t-%s\t\t\n", r.Period, r.ItemsReturned, svc.FormatBase(r.Refunds), svc.FormatBase(r.COGSReversed))
		}
		return tw.Flush()
	case "net":
		periods, err := svc.NetOverview(ctx, c.year, c.includeExpenses)
		if err != nil {
			return err
		}
		if c.asJSON {
			return writeJSON(out, periods)
		}
		tw := newTable(out, "PERIOD", "NET REVENUE", "NET COST", "NET PROFIT", "MARGIN%", "RETURNED")
		for _, p := range periods {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", p.Period, svc.FormatBase(p.NetRevenue), svc.FormatBase(p.NetCost),
				svc.FormatBase(p.NetProfit), p.NetMarginPct.StringFixed(2), p.ItemsReturned)
		}
		return tw.Flush()
	case "batches":
		rows, err := svc.BatchUtilization(ctx, c.includeExpenses)
		if err != nil {
			return err
		}
		if c.asJSON {
			return writeJSON(out, rows)
		}
		tw := newTable(out, "BATCH", "CATEGORY", "ORIGINAL", "REMAINING", "ALLOCATED", "RETURNED", "PROFIT")
		for _, b := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", b.BatchID, joinCategory(b.Category, b.Subcategory),
				b.OriginalQty, b.RemainingQty, b.AllocatedQty, b.ReturnedQty, svc.FormatBase(b.Profit))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown report kind %q", c.kind)
	}
}

func (c *reportCmd) periodReport(ctx context.Context, svc *service.Service) (domain.PeriodReport, error) {
	if strings.EqualFold(c.kind, "yearly") {
		return svc.YearlySalesProfit(ctx, c.includeExpenses)
	}
	return svc.MonthlySalesProfit(ctx, c.year, c.includeExpenses)
}

func (c *reportCmd) writer() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

type rateCmd struct {
	date string
	from string
	to   string
	out  io.Writer
}

func (*rateCmd) Name() string     { return "rate" }
func (*rateCmd) Synopsis() string { return "look up a currency rate through the cache tiers" }
func (*rateCmd) Usage() string {
	return `ledgerctl rate -from <code> [-to <code>] [-date <yyyy-mm-dd>]

  Resolves one rate the same way intake does. -to defaults to the reporting
  currency and -date to today.
`
}

func (c *rateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.date, "date", "", "Rate date, defaults to today.")
	f.StringVar(&c.from, "from", "", "Currency to convert from.")
	f.StringVar(&c.to, "to", "", "Currency to convert to, defaults to the reporting currency.")
}

func (c *rateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withService(ctx, c.run)
}

func (c *rateCmd) run(ctx context.Context, svc *service.Service) error {
	if strings.TrimSpace(c.from) == "" {
		return errors.New("-from is required")
	}
	date := c.date
	if date == "" {
		date = svc.Today()
	}
	to := strings.ToUpper(strings.TrimSpace(c.to))
	if to == "" {
		to = svc.BaseCurrency()
	}
	rate, err := svc.LookupRate(ctx, date, strings.ToUpper(strings.TrimSpace(c.from)), to)
	if err != nil {
		return err
	}
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	_, err = fmt.Fprintf(out, "%s 1 %s = %s %s\n", date, strings.ToUpper(c.from), rate.String(), to)
	return err
}

type rebuildCmd struct {
	out io.Writer
}

func (*rebuildCmd) Name() string     { return "rebuild" }
func (*rebuildCmd) Synopsis() string { return "re-derive the stock view from active purchases" }
func (*rebuildCmd) Usage() string {
	return `ledgerctl rebuild

  Recomputes stock per category and subcategory and prints the result.
`
}

func (*rebuildCmd) SetFlags(*flag.FlagSet) {}

func (c *rebuildCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withService(ctx, c.run)
}

func (c *rebuildCmd) run(ctx context.Context, svc *service.Service) error {
	levels, err := svc.RebuildStock(ctx)
	if err != nil {
		return err
	}
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	tw := newTable(out, "CATEGORY", "QTY")
	for _, l := range levels {
		fmt.Fprintf(tw, "%s\t%d\n", joinCategory(l.Category, l.Subcategory), l.Quantity)
	}
	return tw.Flush()
}

func newTable(out io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func joinCategory(category, subcategory string) string {
	if subcategory == "" {
		return category
	}
	return category + "/" + subcategory
}

func writeJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
