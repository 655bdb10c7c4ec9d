package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/myogestic/myogestic/internal/api"
	"github.com/myogestic/myogestic/internal/config"
	"github.com/myogestic/myogestic/internal/conformal"
	"github.com/myogestic/myogestic/internal/logging"
	"github.com/myogestic/myogestic/internal/recorder"
	"github.com/myogestic/myogestic/internal/snapshot"
	"github.com/myogestic/myogestic/internal/solver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	configFile string
	verbose    bool
	log        zerolog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{log: zerolog.Nop()}
	root := &cobra.Command{
		Use:           "cpctl",
		Short:         "Offline tooling for conformal calibrators and recorded sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if g.verbose {
				level = "debug"
			}
			g.log = logging.SetupWriter(config.LogConfig{Level: level, Format: "console"}, cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Config file (YAML)")
	root.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "Verbose logging")

	root.AddCommand(calibrateCmd(g))
	root.AddCommand(predictCmd(g))
	root.AddCommand(solveCmd(g))
	root.AddCommand(inspectCmd(g))
	root.AddCommand(snapshotsCmd(g))
	return root
}

func (g *globals) config() (config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// calibrateCmd fits a calibrator on a labelled file and writes its snapshot.
func calibrateCmd(g *globals) *cobra.Command {
	var (
		dataPath  string
		algorithm string
		alpha     float64
		regK      int
		regLambda float64
		out       string
		name      string
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Calibrate a conformal predictor from labelled probabilities",
		Long: `Reads {"probabilities": [[...]], "labels": [...]} and writes the
calibrated snapshot to --out, or to the configured store under --name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (out == "") == (name == "") {
				return errors.New("exactly one of --out or --name is required")
			}
			var data api.CalibrateRequest
			if err := readJSON(dataPath, &data); err != nil {
				return err
			}

			c, err := conformal.New(algorithm, alpha, conformal.WithRegularization(regK, regLambda))
			if err != nil {
				return err
			}
			if err := c.Calibrate(data.Probabilities, data.Labels); err != nil {
				return err
			}
			g.log.Debug().Str("algorithm", algorithm).Float64("qhat", c.QHat()).Msg("calibrated")

			dest := out
			if out != "" {
				if err := c.Store(out); err != nil {
					return err
				}
			} else {
				cfg, err := g.config()
				if err != nil {
					return err
				}
				store, err := snapshot.Open(cfg.Store)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Put(cmd.Context(), name, c); err != nil {
					return err
				}
				dest = cfg.Store.Backend + ":" + name
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Calibrated %s (alpha=%g) on %d samples, %d classes\n",
				c.Algorithm(), c.Alpha(), len(data.Labels), c.Classes())
			fmt.Fprintf(cmd.OutOrStdout(), "qhat: %.17g\n", c.QHat())
			fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "Calibration data file (JSON)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "RAPS", "LAC, APS or RAPS")
	cmd.Flags().Float64Var(&alpha, "alpha", 0.1, "Miscoverage level in (0, 1)")
	cmd.Flags().IntVar(&regK, "reg-k", conformal.DefaultRegK, "RAPS ranks without penalty")
	cmd.Flags().Float64Var(&regLambda, "reg-lambda", conformal.DefaultRegLambda, "RAPS penalty per later rank")
	cmd.Flags().StringVar(&out, "out", "", "Snapshot file to write")
	cmd.Flags().StringVar(&name, "name", "", "Snapshot name in the configured store")
	cmd.MarkFlagRequired("data")
	return cmd
}

type predictLine struct {
	Set     []int `json:"set"`
	Members []int `json:"members"`
}

func predictCmd(g *globals) *cobra.Command {
	var snapPath, inputPath string
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Produce prediction sets for probability vectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conformal.Load(snapPath)
			if err != nil {
				return err
			}
			var probs [][]float64
			if err := readJSON(inputPath, &probs); err != nil {
				return err
			}
			sets, err := c.PredictBatch(probs)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, s := range sets {
				if err := enc.Encode(predictLine{Set: s.Mask(), Members: s.Members()}); err != nil {
					return err
				}
			}
			g.log.Debug().Int("vectors", len(sets)).Msg("predicted")
			return nil
		},
	}
	cmd.Flags().StringVar(&snapPath, "snapshot", "", "Snapshot file")
	cmd.Flags().StringVar(&inputPath, "input", "", "JSON array of probability vectors")
	cmd.MarkFlagRequired("snapshot")
	cmd.MarkFlagRequired("input")
	return cmd
}

type solveResult struct {
	Samples int    `json:"samples"`
	Labels  []int  `json:"labels"`
	Error   string `json:"error,omitempty"`
}

// solveCmd replays a recorded session through an offline solver.
func solveCmd(g *globals) *cobra.Command {
	var (
		recording        string
		sessionID        string
		kernelSize       int
		strategy         string
		rejectSetSize    int
		acceptedTimeout  time.Duration
		filterSingleSets bool
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Re-solve a recorded prediction log offline",
		Long: `Replays the prediction sets of a recording with their original timing.
Solver flags override the config file; --reject-set-size 0 disables rejection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			sc := cfg.Solver
			sc.Mode = solver.ModeOffline
			flags := cmd.Flags()
			if flags.Changed("kernel-size") {
				sc.KernelSize = kernelSize
			}
			if flags.Changed("strategy") {
				sc.Strategy = solver.Strategy(strategy)
			}
			if flags.Changed("reject-set-size") {
				sc.RejectSetSize = nil
				if rejectSetSize > 0 {
					sc.RejectSetSize = &rejectSetSize
				}
			}
			if flags.Changed("accepted-timeout") {
				sc.AcceptedTimeout = acceptedTimeout
			}
			if flags.Changed("filter-single-sets") {
				sc.FilterSingleSets = filterSingleSets
			}

			s, err := solver.New(sc)
			if err != nil {
				return err
			}
			records, err := recorder.Replay(recording)
			if err != nil {
				return err
			}
			if sessionID != "" {
				records = recorder.BySession(records, sessionID)
			}
			sets, at := recorder.Sequence(records)

			labels, solveErr := s.SolveRecorded(sets, at)
			res := solveResult{Samples: len(sets), Labels: labels}
			if solveErr != nil {
				res.Error = solveErr.Error()
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			g.log.Debug().Int("samples", len(sets)).Int("solved", len(labels)).Msg("replayed")
			return solveErr
		},
	}
	cmd.Flags().StringVar(&recording, "recording", "", "Prediction log (JSON lines)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Only replay this session")
	cmd.Flags().IntVar(&kernelSize, "kernel-size", 10, "Window length")
	cmd.Flags().StringVar(&strategy, "strategy", "mode", "mode, weighted_mode or set_weighting")
	cmd.Flags().IntVar(&rejectSetSize, "reject-set-size", 4, "Reject sets at least this large")
	cmd.Flags().DurationVar(&acceptedTimeout, "accepted-timeout", 10*time.Second, "Fallback staleness limit")
	cmd.Flags().BoolVar(&filterSingleSets, "filter-single-sets", false, "Send single-member sets through the window")
	cmd.MarkFlagRequired("recording")
	return cmd
}

type snapshotSummary struct {
	Algorithm    string    `json:"algorithm"`
	Alpha        float64   `json:"alpha"`
	Calibrated   bool      `json:"is_calibrated"`
	QHat         *float64  `json:"qhat,omitempty"`
	Classes      int       `json:"classes"`
	RegVec       []float64 `json:"reg_vec,omitempty"`
	Calibrations int       `json:"calibration_samples"`
}

func summarize(c *conformal.Calibrator) snapshotSummary {
	s := snapshotSummary{
		Algorithm:    string(c.Algorithm()),
		Alpha:        c.Alpha(),
		Calibrated:   c.Calibrated(),
		Classes:      c.Classes(),
		RegVec:       c.RegVec(),
		Calibrations: len(c.CalibrationScores()),
	}
	if c.Calibrated() {
		q := c.QHat()
		s.QHat = &q
	}
	return s
}

func inspectCmd(g *globals) *cobra.Command {
	var snapPath, name string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a calibrator snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				c   *conformal.Calibrator
				err error
			)
			switch {
			case snapPath != "":
				c, err = conformal.Load(snapPath)
			case name != "":
				c, err = g.fromStore(cmd.Context(), name)
			default:
				return errors.New("one of --snapshot or --name is required")
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summarize(c))
		},
	}
	cmd.Flags().StringVar(&snapPath, "snapshot", "", "Snapshot file")
	cmd.Flags().StringVar(&name, "name", "", "Snapshot name in the configured store")
	return cmd
}

func (g *globals) fromStore(ctx context.Context, name string) (*conformal.Calibrator, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	store, err := snapshot.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Get(ctx, name)
}

func snapshotsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Manage snapshots in the configured store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored snapshot names",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			store, err := snapshot.Open(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()
			names, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			store, err := snapshot.Open(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}
