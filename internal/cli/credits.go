package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewCreditsCmd создаёт группу команд для работы с кредитами.
func NewCreditsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and spend account credits",
	}

	cmd.AddCommand(
		newCreditsBalanceCmd(clientFn, outputFn),
		newCreditsHistoryCmd(clientFn, outputFn),
		newCreditsDeductCmd(clientFn, outputFn),
	)

	return cmd
}

// accountArg — ID счёта из аргумента или из --account.
func accountArg(client *Client, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if client.AccountID() == "" {
		return "", errors.New("account is required: pass ACCOUNT_ID or --account")
	}
	return client.AccountID(), nil
}

func newCreditsBalanceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [ACCOUNT_ID]",
		Short: "Show credit balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			acc, err := accountArg(client, args)
			if err != nil {
				return err
			}

			resp, err := client.GetCredits(acc)
			if err != nil {
				return err
			}

			outputFn().Print(
				[]string{"ACCOUNT", "BALANCE"},
				[][]string{{resp.AccountID, strconv.FormatInt(resp.Balance, 10)}},
				resp,
			)
			return nil
		},
	}
}

func newCreditsHistoryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [ACCOUNT_ID]",
		Short: "List credit transactions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			acc, err := accountArg(client, args)
			if err != nil {
				return err
			}

			txs, err := client.ListTransactions(acc, limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "KIND", "AMOUNT", "TASK", "DESCRIPTION", "CREATED"}
			rows := make([][]string, len(txs))
			for i, tx := range txs {
				rows[i] = []string{
					tx.ID,
					tx.Kind,
					strconv.FormatInt(tx.Amount, 10),
					tx.RelatedTaskID,
					tx.Description,
					tx.CreatedAt,
				}
			}

			outputFn().Print(headers, rows, txs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of transactions")

	return cmd
}

func newCreditsDeductCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var description string
	var taskID string

	cmd := &cobra.Command{
		Use:   "deduct AMOUNT",
		Short: "Deduct credits from the current account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("invalid amount %q: must be a positive integer", args[0])
			}

			resp, err := clientFn().Deduct(DeductRequest{
				Amount:      amount,
				Description: description,
				TaskID:      taskID,
			})
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Deducted %d credits, remaining %d", amount, resp.Remaining))
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "Transaction description")
	cmd.Flags().StringVar(&taskID, "task-id", "", "Related generation task ID")

	return cmd
}
