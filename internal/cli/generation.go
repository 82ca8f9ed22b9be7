package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var taskHeaders = []string{"ID", "TYPE", "MODEL", "STATUS", "CREDITS", "RESULT", "ERROR"}

func taskRows(tasks []TaskResponse) [][]string {
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = []string{
			t.ID,
			t.Type,
			t.Model,
			t.Status,
			strconv.FormatInt(t.CreditsCost, 10),
			t.ResultURL,
			t.ErrorMessage,
		}
	}
	return rows
}

var assetHeaders = []string{"ID", "TYPE", "NAME", "URL", "CREATED"}

func assetRows(assets []AssetResponse) [][]string {
	rows := make([][]string, len(assets))
	for i, a := range assets {
		rows[i] = []string{a.ID, a.Type, a.Name, a.URL, a.CreatedAt}
	}
	return rows
}

// NewImageCmd создаёт команду одиночной генерации изображения.
func NewImageCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req GenerateImageRequest

	cmd := &cobra.Command{
		Use:   "image PROMPT",
		Short: "Generate a single image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = args[0]

			resp, err := clientFn().GenerateImage(req)
			if err != nil {
				return err
			}

			printAccepted(outputFn(), "Image", resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Model, "model", "", "Image model: seedream, midjourney")
	cmd.Flags().StringVar(&req.Ratio, "ratio", "", "Aspect ratio: 1:1, 16:9, 9:16, 3:4")
	cmd.Flags().StringVar(&req.NegativePrompt, "negative", "", "Negative prompt")

	return cmd
}

// NewVideoCmd создаёт команду одиночной генерации видео из изображения.
func NewVideoCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req GenerateVideoRequest

	cmd := &cobra.Command{
		Use:   "video PROMPT",
		Short: "Generate a single video clip from an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = args[0]
			if req.SourceImageURL == "" {
				return fmt.Errorf("--image is required")
			}

			resp, err := clientFn().GenerateVideo(req)
			if err != nil {
				return err
			}

			printAccepted(outputFn(), "Video", resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.SourceImageURL, "image", "", "Source image URL")
	cmd.Flags().IntVar(&req.DurationSeconds, "duration", 0, "Clip length in seconds: 5 or 10")
	cmd.Flags().StringVar(&req.Model, "model", "", "Video model: kling, sora2")

	return cmd
}

func printAccepted(out *Output, kind string, resp *GenerationResponse) {
	out.Success(fmt.Sprintf("%s task accepted: %s", kind, resp.TaskID))
	out.Print(
		[]string{"TASK_ID", "CREDITS", "REMAINING"},
		[][]string{{
			resp.TaskID,
			strconv.FormatInt(resp.CreditsCost, 10),
			strconv.FormatInt(resp.RemainingCredits, 10),
		}},
		resp,
	)
}

// NewTaskCmd создаёт команду просмотра generation task.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "task ID",
		Short: "Show a generation task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().GetTask(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(taskHeaders, taskRows([]TaskResponse{*task}), task)
			return nil
		},
	}
}

// NewAssetsCmd создаёт команду просмотра assets счёта.
func NewAssetsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListAssetsOpts

	cmd := &cobra.Command{
		Use:   "assets",
		Short: "List generated assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			assets, total, err := clientFn().ListAssets(opts)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Print(assetHeaders, assetRows(assets), assets)
			if !out.jsonMode {
				out.Success(fmt.Sprintf("%d of %d assets", len(assets), total))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "Filter by asset type")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 20, "Page size (max 100)")

	return cmd
}
