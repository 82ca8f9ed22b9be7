// Mangaflow CLI — инструмент командной строки для запуска генераций
// и работы с кредитами через HTTP API.
//
// Использование:
//
//	mangaflow [--api-url URL] [--account ID] [--json] <command> [flags]
//
// Команды:
//
//	run       Управление pipeline runs
//	estimate  Оценка стоимости без списания
//	credits   Баланс, журнал и списание кредитов
//	image     Одиночная генерация изображения
//	task      Просмотр generation task
//	assets    Просмотр результатов
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Mangaflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var accountID string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "mangaflow",
		Short:         "Mangaflow CLI — text to storyboard, images and video",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("MANGAFLOW_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVar(&accountID, "account", os.Getenv("MANGAFLOW_ACCOUNT"), "Account ID (X-Account-ID)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, accountID) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewEstimateCmd(clientFn, outputFn),
		cli.NewCreditsCmd(clientFn, outputFn),
		cli.NewImageCmd(clientFn, outputFn),
		cli.NewVideoCmd(clientFn, outputFn),
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewAssetsCmd(clientFn, outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
