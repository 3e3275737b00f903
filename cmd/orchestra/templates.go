package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/templates"
)

var templatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"tpl"},
	Short:   "Inspect task templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry("")
		if err != nil {
			return err
		}
		list := reg.List()
		if len(list) == 0 {
			fmt.Printf("No templates in %s\n", reg.Dir())
			return nil
		}
		for _, t := range list {
			fmt.Printf("%-24s %2d steps  %s\n", t.Name, len(t.Steps), t.Description)
		}
		if n := len(reg.LoadErrors()); n > 0 {
			color.Yellow("%d file(s) skipped; run 'orchestra templates validate' for details", n)
		}
		return nil
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a template's parameters and steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry("")
		if err != nil {
			return err
		}
		t, err := reg.Get(args[0])
		if err != nil {
			return err
		}

		bold := color.New(color.Bold)
		bold.Println(t.Name)
		if t.Description != "" {
			fmt.Println(t.Description)
		}
		fmt.Printf("Source: %s\n\n", t.Source)

		bold.Println("Parameters")
		if len(t.Parameters) == 0 {
			fmt.Println("  (none)")
		}
		for _, p := range t.Parameters {
			req := ""
			if p.Required {
				req = color.RedString(" required")
			}
			fmt.Printf("  %-16s %-8s%s  %s\n", p.Name, p.Type, req, p.Description)
		}

		fmt.Println()
		bold.Println("Steps")
		for i, s := range t.Steps {
			fmt.Printf("  %d. %-16s %s\n", i+1, s.Name, s.Kind())
		}
		if subs := t.SubTemplates(); len(subs) > 0 {
			fmt.Printf("\nUses: %v\n", subs)
		}
		return nil
	},
}

var templatesValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Check every template file in a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		}
		reg, n, err := openRegistry(dir)
		if err != nil {
			return err
		}
		loadErrs := reg.LoadErrors()
		for _, le := range loadErrs {
			color.Red("✗ %s", le.Path)
			fmt.Printf("    %v\n", le.Err)
		}
		for _, t := range reg.List() {
			color.Green("✓ %s (%s)", t.Name, t.Source)
		}
		fmt.Printf("\n%d valid, %d invalid\n", n, len(loadErrs))
		if len(loadErrs) > 0 {
			return errors.New("invalid templates")
		}
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesShowCmd)
	templatesCmd.AddCommand(templatesValidateCmd)
}

// openRegistry loads dir, or templates.dir from config when dir is empty.
func openRegistry(dir string) (*templates.Registry, int, error) {
	if dir == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, 0, err
		}
		dir = cfg.Templates.Dir
	}
	if dir == "" {
		return nil, 0, errors.New("no template directory: set templates.dir or pass one")
	}
	reg := templates.New(dir, logging.Nop())
	n, err := reg.Load(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("load templates: %w", err)
	}
	return reg, n, nil
}
