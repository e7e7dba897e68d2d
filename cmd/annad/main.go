package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"annad/internal/caseflow"
	"annad/internal/config"
	"annad/internal/inference"
	"annad/internal/logging"
	"annad/internal/probe"
	"annad/internal/recipe"
	"annad/internal/score"
)

var (
	// Global flags
	verbose  bool
	jsonOut  bool
	baseDir  string
	modelURL string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "annad",
	Short: "annad - evidence-based local sysadmin assistant",
	Long: `annad answers questions about the local machine by running whitelisted
read-only probes and verifying every answer against their output.

Answers come from one of four origins, cheapest first:
  brain   - deterministic fast path, no model involved
  recipe  - a previously learned answer template, re-verified
  junior  - the local draft model, scored against evidence
  senior  - the local audit model, after reviewing the draft

Answers that cannot be grounded in probe evidence are refused, never
guessed. annad never mutates the system; action requests produce a plan.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.Options{Level: logLevel(), JSON: jsonOut})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about this machine",
	Long: `Processes one question through the full pipeline and prints the answer
with its reliability score. With --verbose, phase transitions are
streamed as they happen.

Example:
  annad ask "how much RAM do I have?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List the whitelisted probe catalog",
	RunE:  runProbes,
}

var recipesCmd = &cobra.Command{
	Use:   "recipes",
	Short: "List learned recipes and their rolling success scores",
	RunE:  runRecipes,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging and event streaming")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable output")
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "", "state directory (default .anna)")
	rootCmd.PersistentFlags().StringVar(&modelURL, "model-url", "", "override the local model endpoint")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(probesCmd)
	rootCmd.AddCommand(recipesCmd)
}

func logLevel() string {
	if verbose {
		return "debug"
	}
	return "warn"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, err
	}
	if modelURL != "" {
		cfg.Model.BaseURL = modelURL
	}
	return cfg, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := ""
	for i, a := range args {
		if i > 0 {
			question += " "
		}
		question += a
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg, err := probe.NewRegistry(probe.DefaultCatalog())
	if err != nil {
		return err
	}
	runner := probe.NewRunner(reg, probe.RunnerOptions{
		Timeout:  cfg.ProbeTimeout(),
		CacheDir: cfg.Paths.Cache,
		Logger:   logging.Named(logger, logging.SubProbe),
	})

	recipes, err := recipe.Open(cfg.Paths.Recipes, logging.Named(logger, logging.SubRecipe))
	if err != nil {
		return err
	}
	defer recipes.Close()

	junior := inference.NewLocalClient(inference.LocalConfig{
		BaseURL: cfg.Model.BaseURL,
		Model:   cfg.Model.JuniorModel,
		Logger:  logging.Named(logger, logging.SubJunior),
	})
	senior := inference.NewLocalClient(inference.LocalConfig{
		BaseURL: cfg.Model.BaseURL,
		Model:   cfg.Model.SeniorModel,
		Logger:  logging.Named(logger, logging.SubSenior),
	})

	o := caseflow.New(caseflow.Options{
		Config:  cfg,
		Logger:  logging.Named(logger, logging.SubCaseflow),
		Runner:  runner,
		Recipes: recipes,
		Junior:  junior,
		Senior:  senior,
	})
	defer o.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := o.Submit(ctx, question)

	if verbose {
		events, err := o.Events(id)
		if err != nil {
			return err
		}
		go func() {
			for ev := range events {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Actor, ev.Phase)
			}
		}()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.QuestionBudget()+5*time.Second)
	defer cancel()
	answer, err := o.FinalAnswer(waitCtx, id)
	if err != nil {
		return fmt.Errorf("case %s did not complete: %w", id, err)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(answer)
	}
	printAnswer(answer)
	if answer.Score.Band == score.BandRefused {
		os.Exit(2)
	}
	return nil
}

func printAnswer(a caseflow.Answer) {
	if a.Score.Band == score.BandRefused {
		fmt.Printf("I can't answer that reliably: %s\n", a.Reason)
		return
	}
	fmt.Println(a.Text)
	fmt.Printf("\n[%s | %s %d/100]\n", a.Origin, a.Score.Band, a.Score.Overall)
	if a.Plan != nil {
		fmt.Printf("\nThis is a %s request. annad does not execute changes; proposed plan:\n  %s\n",
			a.Plan.Risk, a.Plan.Summary)
	}
}

func runProbes(cmd *cobra.Command, args []string) error {
	reg, err := probe.NewRegistry(probe.DefaultCatalog())
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(reg.IDs())
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPIC\tCOMMAND\tCACHE")
	for _, id := range reg.IDs() {
		def, err := reg.Lookup(id)
		if err != nil {
			continue
		}
		cache := "volatile"
		if def.Cache.Mode == probe.TTL {
			cache = fmt.Sprintf("ttl %ds", def.Cache.Seconds)
		}
		cmdline := def.Program
		for _, a := range def.Args {
			cmdline += " " + a
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.ID, def.Topic, cmdline, cache)
	}
	return w.Flush()
}

func runRecipes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	recipes, err := recipe.Open(cfg.Paths.Recipes, logging.Named(logger, logging.SubRecipe))
	if err != nil {
		return err
	}
	defer recipes.Close()

	all := recipes.All()
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(all)
	}
	if len(all) == 0 {
		fmt.Println("no recipes learned yet")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SIGNATURE\tSCORE\tUSES\tPROBES")
	for _, r := range all {
		probes := ""
		for i, p := range r.Probes {
			if i > 0 {
				probes += ","
			}
			probes += p
		}
		fmt.Fprintf(w, "%s\t%.2f\t%d\t%s\n", r.Signature, r.SuccessScore, r.UsageCount, probes)
	}
	return w.Flush()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
