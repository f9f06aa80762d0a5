package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/crewflow/internal/config"
	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/crewfile"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/logger"
	"github.com/HyphaGroup/crewflow/internal/session"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/HyphaGroup/crewflow/internal/validation"
)

func newRunCommand() *cobra.Command {
	var (
		message string
		vars    []string
		thread  string
		dataDir string
		resume  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "run <crew.hcl>",
		Short: "Run a crew file and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" && !resume {
				return errors.New("--message is required")
			}
			if thread != "" {
				if err := validation.ValidateThreadID(thread); err != nil {
					return err
				}
			}
			if resume && (thread == "" || dataDir == "") {
				return errors.New("--resume needs --thread and --data-dir")
			}
			inputs, err := parseVars(vars)
			if err != nil {
				return err
			}

			def, err := loadCrewFile(args[0], inputs)
			if err != nil {
				return err
			}

			storage := config.StorageSection{Checkpoints: config.BackendMemory, Store: config.BackendMemory}
			if dataDir != "" {
				storage = config.StorageSection{DataDir: dataDir, Checkpoints: config.BackendSQLite, Store: config.BackendSQLite}
			}
			b, err := openBackends(storage)
			if err != nil {
				return err
			}
			defer b.Close()

			crewLogger := logger.Discard()
			if verbose {
				crewLogger = logger.Slog()
			}
			catalog, err := crewfile.NewCatalog(crewfile.CatalogConfig{
				Checkpointer: b.checkpoints,
				Store:        b.memory,
				Logger:       crewLogger,
			})
			if err != nil {
				return err
			}
			catalog.Add(def)

			sessions, err := session.NewManager(catalog.Resolve, session.ManagerConfig{MaxSessions: 1})
			if err != nil {
				return err
			}
			defer sessions.Close()

			c, _, err := sessions.GetOrCreate(thread, def.Name)
			if err != nil {
				return err
			}
			c.SetNotifier(newEventPrinter(cmd.OutOrStdout(), verbose))

			var in graph.Input
			if message != "" {
				in.Messages = []state.Message{state.UserMessage(message)}
			}
			if resume {
				_, err = c.Resume(cmd.Context(), in)
			} else {
				_, err = c.Send(cmd.Context(), in)
			}
			if err != nil {
				return err
			}

			info, err := c.Wait(cmd.Context())
			if err != nil {
				return err
			}
			switch info.Status {
			case session.StatusFailed:
				return fmt.Errorf("run failed: %s", info.Error)
			case session.StatusNeedsInput:
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(
					fmt.Sprintf("thread %s paused; continue with --resume --thread %s", c.ThreadID(), c.ThreadID())))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "user message that starts the turn")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "set a crew variable (k=v, repeatable)")
	cmd.Flags().StringVar(&thread, "thread", "", "thread id to run on (generated when empty)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "persist checkpoints and memory in this directory")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume an interrupted thread")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print node starts, routing and tool messages")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "validate <crew.hcl>",
		Short: "Parse and compile a crew file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseVars(vars)
			if err != nil {
				return err
			}
			def, compiled, err := compileCrewFile(args[0], inputs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %d nodes)\n",
				statusComplete.Render("✓"), def.Name, compiled.Variant(), len(compiled.Graph().Nodes()))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "set a crew variable (k=v, repeatable)")
	return cmd
}

func newGraphCommand() *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "graph <crew.hcl>",
		Short: "Print the compiled graph of a crew file as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseVars(vars)
			if err != nil {
				return err
			}
			_, compiled, err := compileCrewFile(args[0], inputs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(compiled.Describe())
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "set a crew variable (k=v, repeatable)")
	return cmd
}

func loadCrewFile(path string, inputs map[string]string) (*crewfile.Definition, error) {
	def, err := crewfile.Load(path, crewfile.Options{Inputs: inputs, Handlers: builtinHandlers()})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return def, nil
}

func compileCrewFile(path string, inputs map[string]string) (*crewfile.Definition, *crew.Compiled, error) {
	def, err := loadCrewFile(path, inputs)
	if err != nil {
		return nil, nil, err
	}
	compiled, err := crew.Compile(def.Crew)
	if err != nil {
		return nil, nil, err
	}
	return def, compiled, nil
}

// parseVars turns repeated k=v flags into crew inputs.
func parseVars(vars []string) (map[string]string, error) {
	inputs := make(map[string]string, len(vars))
	for _, v := range vars {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", v)
		}
		inputs[key] = value
	}
	return inputs, nil
}
