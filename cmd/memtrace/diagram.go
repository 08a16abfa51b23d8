package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/memtrace/pkg/diagram"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

var (
	diagramOutput string
	diagramStdout bool
)

var diagramCmd = &cobra.Command{
	Use:   "diagram <trace.json>",
	Short: "Render a session trace as a Mermaid sequence diagram",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := loadTrace(args[0])
		if err != nil {
			return err
		}
		doc, err := diagram.Render(sess)
		if err != nil {
			return fmt.Errorf("render %s: %w", args[0], err)
		}
		if diagramStdout {
			_, err := fmt.Fprint(cmd.OutOrStdout(), doc)
			return err
		}

		out := diagramOutput
		if out == "" {
			out = filepath.Join(cfg.Diagrams.Dir, diagram.FileName("sequence", sess))
		}
		if err := diagram.WriteFile(out, doc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Diagram written to: %s\n", out)
		return nil
	},
}

func init() {
	diagramCmd.Flags().StringVarP(&diagramOutput, "output", "o", "", "output file (default <diagrams dir>/sequence_<session id>.md)")
	diagramCmd.Flags().BoolVar(&diagramStdout, "stdout", false, "print the diagram instead of writing a file")
}

func loadTrace(path string) (*trace.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer func() { _ = f.Close() }()

	sess, err := trace.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return sess, nil
}
