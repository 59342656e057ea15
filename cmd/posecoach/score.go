package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/events"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/pipeline"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newScoreCommand(ctx *commandContext) *cobra.Command {
	var (
		referenceID    string
		tolerance      float64
		referenceStart int
		jsonOutput     bool
	)

	cmd := &cobra.Command{
		Use:   "score <user-video> [reference-video]",
		Short: "Score a local video against a reference and render the comparison videos",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if (len(args) == 2) == (referenceID != "") {
				return fmt.Errorf("give either a reference video or --reference, not both or neither")
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			job := pipeline.Job{
				UserVideoPath:  args[0],
				ReferenceID:    referenceID,
				ReferenceStart: referenceStart,
				Tolerance:      tolerance,
			}
			if len(args) == 2 {
				job.ReferenceVideoPath = args[1]
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner := a.runner(cfg.OutputDir() + string(filepath.Separator))
			em := events.NewEmitter(cfg.Pipeline.EventBuffer)
			type outcome struct {
				res events.Result
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := runner.Run(runCtx, job, em)
				done <- outcome{res, err}
			}()

			showProgress(em.Events(), isatty.IsTerminal(os.Stderr.Fd()) && !jsonOutput)
			out := <-done
			if out.err != nil {
				return out.err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out.res)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Overall accuracy: %.1f%%\n", out.res.OverallAccuracy)
			fmt.Fprintf(w, "Frames: %d processed, %d scored\n", out.res.TotalFramesProcessed, out.res.ScoredFrames)
			if out.res.SideBySideVideoURL != "" {
				fmt.Fprintf(w, "Side by side: %s\n", out.res.SideBySideVideoURL)
				fmt.Fprintf(w, "Annotated:    %s\n", out.res.AnnotatedUserVideoURL)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&referenceID, "reference", "", "Reference library id to score against")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 0, "Override the global landmark tolerance")
	cmd.Flags().IntVar(&referenceStart, "reference-start", 0, "First reference frame to align against")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	return cmd
}

// showProgress drains the run's events, drawing one bar per stage on a
// terminal and plain lines otherwise.
func showProgress(evs <-chan events.Event, interactive bool) {
	var bar *pb.ProgressBar
	step := ""
	finish := func() {
		if bar != nil {
			bar.Finish()
			bar = nil
		}
	}
	defer finish()

	for ev := range evs {
		switch ev.Type {
		case events.TypeProgress:
			p := ev.Progress
			if !interactive {
				fmt.Fprintf(os.Stderr, "[%s] %3.0f%% %s\n", p.Step, p.Percentage, p.Message)
				continue
			}
			if p.Step != step {
				finish()
				step = p.Step
				bar = pb.New(100)
				bar.SetWriter(os.Stderr)
				bar.Set("prefix", step+" ")
				bar.Start()
			}
			bar.SetCurrent(int64(p.Percentage))
		case events.TypeError:
			finish()
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Error.Message)
		}
	}
}
