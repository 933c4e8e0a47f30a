package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/definition"
)

var validateCmd = &cobra.Command{
	Use:   "validate [definitions-dir...]",
	Short: "Check process definition files without starting the service",
	Long: `Validate loads every process definition file from the given directories
(or from definitions.directories in the config file) and reports every
structural problem found, including bundled notification defaults.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	dirs := args
	if len(dirs) == 0 {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		dirs = cfg.Definitions.Directories
	}

	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return err
	}
	verrs := definition.NewValidator().Validate(files)
	out := cmd.OutOrStdout()
	for _, ve := range verrs {
		fmt.Fprintln(out, ve.Error())
	}
	if len(verrs) > 0 {
		return fmt.Errorf("%d definition error(s)", len(verrs))
	}

	processes := 0
	for _, f := range files {
		processes += len(f.Processes)
	}
	fmt.Fprintf(out, "%d file(s), %d process(es): ok\n", len(files), processes)
	return nil
}
