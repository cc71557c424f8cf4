package app

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/nhle/provisioner/internal/store"
)

// ListAccounts writes the most recent accounts as a table.
func ListAccounts(ctx context.Context, st store.Store, w io.Writer, limit int) error {
	accounts, err := st.ListAccounts(ctx, store.AccountFilter{SortDesc: true, Limit: limit})
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	table := newTable(w, "Created", "Email", "Usage", "Token")
	for _, a := range accounts {
		table.Append([]string{
			a.CreatedAt.Local().Format("2006-01-02 15:04"),
			a.Email,
			a.Usage,
			abbreviate(a.Token),
		})
	}
	table.Render()
	return nil
}

// ListAttempts writes the most recent registration attempts, newest first.
func ListAttempts(ctx context.Context, st store.Store, w io.Writer, limit int) error {
	attempts, err := st.RecentAttempts(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing attempts: %w", err)
	}

	table := newTable(w, "Time", "Email", "Strategy", "Result", "Reason")
	for _, a := range attempts {
		result := "fail"
		if a.Success {
			result = "ok"
		}
		table.Append([]string{
			a.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			a.Email,
			a.Strategy,
			result,
			a.Reason,
		})
	}
	table.Render()
	return nil
}

// Forget deletes the most recent stored account for email.
func Forget(ctx context.Context, st store.Store, email string) error {
	acct, err := st.GetAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	return st.DeleteAccount(ctx, acct.ID)
}

// PrintSummary writes one line per attempt of a run.
func PrintSummary(w io.Writer, sum Summary) {
	for _, o := range sum.Outcomes {
		if o.Success {
			fmt.Fprintf(w, "ok    %s  %s\n", o.Identity.Email, o.UsageLimit)
			continue
		}
		fmt.Fprintf(w, "fail  %s  %s\n", o.Identity.Email, o.Reason)
	}
	fmt.Fprintf(w, "%d/%d accounts provisioned\n", sum.Succeeded(), sum.Requested)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetColumnSeparator("|")
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func abbreviate(token string) string {
	const keep = 12
	if len(token) <= keep {
		return token
	}
	return token[:keep] + "…"
}
