package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent withdrawals and balance audit entries.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	withdrawals, err := store.ListRecentWithdrawals(ctx, opts.Limit)
	if err != nil {
		return err
	}

	if len(withdrawals) == 0 {
		fmt.Fprintln(os.Stdout, "no withdrawals found")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Created (UTC)\tID\tUser\tUSD\tFee\tSOL\tStatus\tSignature\tError")
		for _, row := range withdrawals {
			signature := ""
			if row.TxSignature != nil {
				signature = shorten(*row.TxSignature)
			}
			errMsg := ""
			if row.Error != nil {
				errMsg = sanitizeInline(*row.Error)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				row.CreatedAt.UTC().Format(time.RFC3339),
				row.ID,
				row.UserID,
				formatDecimal(row.USDAmount, 2),
				formatDecimal(row.FeeUSD, 2),
				formatDecimal(row.SOLAmount, 6),
				row.Status,
				signature,
				errMsg,
			)
		}
		writer.Flush()
	}

	audit, err := store.ListRecentAudit(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(audit) == 0 {
		fmt.Fprintln(os.Stdout, "no audit entries found")
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUser\tDelta USD\tBalance After\tReason\tRef")
	for _, entry := range audit {
		ref := ""
		if entry.RefID != nil {
			ref = *entry.RefID
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\n",
			entry.CreatedAt.UTC().Format(time.RFC3339),
			entry.UserID,
			formatDecimal(entry.Delta, 2),
			formatDecimal(entry.BalanceAfter, 2),
			entry.Reason,
			ref,
		)
	}
	writer.Flush()
	return nil
}

func shorten(signature string) string {
	if len(signature) <= 16 {
		return signature
	}
	return signature[:8] + ".." + signature[len(signature)-6:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
