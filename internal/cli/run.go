package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunWaitCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunResumeCmd(clientFn, outputFn),
		newRunTasksCmd(clientFn, outputFn),
		newRunAssetsCmd(clientFn, outputFn),
	)

	return cmd
}

// NewEstimateCmd создаёт команду оценки стоимости.
func NewEstimateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "estimate [TEXT]",
		Short: "Estimate the credit cost of a run without charging",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			est, err := clientFn().Estimate(req)
			if err != nil {
				return err
			}

			outputFn().Print(
				[]string{"SCENES", "SHOTS", "CHARACTERS", "CREDITS"},
				[][]string{{
					strconv.Itoa(est.EstimatedScenes),
					strconv.Itoa(est.EstimatedShots),
					strconv.Itoa(est.EstimatedCharacters),
					strconv.FormatInt(est.EstimatedCredits, 10),
				}},
				est,
			)
			return nil
		},
	}

	opts.bind(cmd)
	return cmd
}

// runOptions — общие флаги start и estimate.
type runOptions struct {
	file       string
	name       string
	imageModel string
	videoModel string
	lipSync    bool
	artStyle   string
}

func (o *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.file, "file", "f", "", "Read source text from file (- for stdin)")
	cmd.Flags().StringVar(&o.name, "name", "", "Run name (first line of text if empty)")
	cmd.Flags().StringVar(&o.imageModel, "image-model", "", "Image model: seedream, midjourney")
	cmd.Flags().StringVar(&o.videoModel, "video-model", "", "Video model: kling, sora2")
	cmd.Flags().BoolVar(&o.lipSync, "lip-sync", false, "Enable lip-sync for dialogue shots")
	cmd.Flags().StringVar(&o.artStyle, "style", "", "Art style hint for image prompts")
}

func (o *runOptions) request(stdin io.Reader, args []string) (CreateRunRequest, error) {
	text, err := readText(stdin, args, o.file)
	if err != nil {
		return CreateRunRequest{}, err
	}
	return CreateRunRequest{
		Text:       text,
		Name:       o.name,
		ImageModel: o.imageModel,
		VideoModel: o.videoModel,
		LipSync:    o.lipSync,
		ArtStyle:   o.artStyle,
	}, nil
}

// readText берёт текст из аргумента или из файла; "-" — stdin.
func readText(stdin io.Reader, args []string, file string) (string, error) {
	switch {
	case len(args) > 0 && file != "":
		return "", errors.New("pass either TEXT or --file, not both")
	case len(args) > 0:
		return args[0], nil
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return string(data), nil
	default:
		return "", errors.New("source text is required: pass TEXT or --file")
	}
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := clientFn().ListRuns(ListRunsOpts{Status: status, Limit: limit})
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "STATUS", "STAGE", "CREDITS", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.Name, r.Status, r.CurrentStage, credits(r), r.CreatedAt}
			}

			outputFn().Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, partial, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "start [TEXT]",
		Short: "Charge the estimate and start a pipeline run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			out := outputFn()
			started, err := clientFn().CreateRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", started.RunID))
			out.Print(
				[]string{"RUN_ID", "SCENES", "CREDITS", "REMAINING"},
				[][]string{{
					started.RunID,
					strconv.Itoa(started.EstimatedScenes),
					strconv.FormatInt(started.EstimatedCredits, 10),
					strconv.FormatInt(started.RemainingCredits, 10),
				}},
				started,
			)
			return nil
		},
	}

	opts.bind(cmd)
	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details and stage progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().GetRun(args[0])
			if err != nil {
				return err
			}

			printRun(outputFn(), run)
			return nil
		},
	}
}

func newRunWaitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var interval time.Duration
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait until the run stops and show the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			deadline := time.Now().Add(timeout)
			lastStage := ""
			for {
				run, err := client.GetRun(args[0])
				if err != nil {
					return err
				}
				if run.Stopped() {
					printRun(out, run)
					return nil
				}
				if run.CurrentStage != lastStage {
					out.Success(fmt.Sprintf("%s: %s", run.Status, run.CurrentStage))
					lastStage = run.CurrentStage
				}
				if timeout > 0 && time.Now().After(deadline) {
					return fmt.Errorf("run %s is still %s after %s", run.ID, run.Status, timeout)
				}

				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Polling interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")

	return cmd
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().CancelRun(args[0])
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Cancellation requested: %s", run.ID))
			return nil
		},
	}
}

func newRunResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resume ID",
		Short: "Resume a partial run from its first incomplete stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().ResumeRun(args[0])
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Run resumed: %s (from %s)", run.ID, run.CurrentStage))
			return nil
		},
	}
}

func newRunTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks RUN_ID",
		Short: "List generation tasks of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := clientFn().ListRunTasks(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(taskHeaders, taskRows(tasks), tasks)
			return nil
		},
	}
}

func newRunAssetsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var assetType string

	cmd := &cobra.Command{
		Use:   "assets RUN_ID",
		Short: "List assets produced by a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assets, err := clientFn().ListRunAssets(args[0], assetType)
			if err != nil {
				return err
			}

			outputFn().Print(assetHeaders, assetRows(assets), assets)
			return nil
		},
	}

	cmd.Flags().StringVar(&assetType, "type", "", "Filter by asset type")

	return cmd
}

func printRun(out *Output, run *RunResponse) {
	if out.jsonMode {
		out.JSON(run)
		return
	}

	out.Table(
		[]string{"ID", "NAME", "STATUS", "CREDITS", "ERROR"},
		[][]string{{run.ID, run.Name, run.Status, credits(*run), run.Error}},
	)
	out.Newline()

	rows := make([][]string, len(run.Stages))
	for i, s := range run.Stages {
		progress := ""
		if s.Total > 0 {
			progress = fmt.Sprintf("%d/%d", s.Completed, s.Total)
			if s.Failed > 0 {
				progress += fmt.Sprintf(" (%d failed)", s.Failed)
			}
		}
		rows[i] = []string{s.ID, s.Status, progress, s.Error}
	}
	out.Table([]string{"STAGE", "STATUS", "SUB_JOBS", "ERROR"}, rows)
}

// credits — "фактически/оценка".
func credits(r RunResponse) string {
	return fmt.Sprintf("%d/%d", r.ActualCredits, r.EstimatedCredits)
}
