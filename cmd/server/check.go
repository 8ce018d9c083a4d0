package main

import (
	"fmt"

	"github.com/ashureev/polya-classroom/internal/config"
	"github.com/ashureev/polya-classroom/internal/curriculum"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate stage, persona and problem definitions",
	Long:  `Loads the configured YAML files and prints a summary. Exits non-zero on any inconsistency.`,
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	bundle, err := curriculum.Load(cfg.StagesPath, cfg.PersonasPath, cfg.ProblemsPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stages (%d):\n", bundle.Stages.Len())
	for _, s := range bundle.Stages.Stages() {
		fmt.Fprintf(out, "  %s  %-12s %d tasks\n", s.ID, s.Name, len(s.Tasks))
	}
	fmt.Fprintf(out, "Personas (%d):\n", len(bundle.Personas))
	for _, p := range bundle.Personas {
		model := p.Model
		if model == "" {
			model = cfg.LLM.Model
		}
		fmt.Fprintf(out, "  %-10s %s (%s)\n", p.Name, p.Role, model)
	}
	problems := bundle.Problems.List()
	fmt.Fprintf(out, "Problems (%d):\n", len(problems))
	for _, p := range problems {
		fmt.Fprintf(out, "  %s\n", p.ID)
	}
	return nil
}
