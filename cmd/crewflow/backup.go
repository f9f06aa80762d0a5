package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/crewflow/internal/backup"
	"github.com/HyphaGroup/crewflow/internal/config"
)

func newBackupCommand() *cobra.Command {
	var configDir, dataDir, backupDir string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot and restore the data directory",
	}
	cmd.PersistentFlags().StringVar(&configDir, "config", "", "directory containing crewflow.jsonc")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides the config)")
	cmd.PersistentFlags().StringVar(&backupDir, "dir", "", "snapshot directory (default <data-dir>/backups)")

	open := func() (*backup.Manager, error) {
		bcfg := backup.Config{DataDir: dataDir, BackupDir: backupDir}
		if dataDir == "" {
			cfg, err := config.LoadAll(configDir)
			if err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
			bcfg.DataDir = cfg.Storage.DataDir
			bcfg.Retention = cfg.Backup.Retention
			if bcfg.BackupDir == "" {
				bcfg.BackupDir = cfg.Backup.Dir
			}
		}
		return backup.New(bcfg)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Write a snapshot of the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			snap, err := m.Backup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%d bytes)\n", snap.Filename, snap.SizeBytes)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			snapshots, err := m.ListSnapshots()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snapshots) == 0 {
				fmt.Fprintln(out, "No snapshots found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tCREATED\tSIZE")
			for _, s := range snapshots {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Filename, s.Timestamp.Local().Format(tokenTimeFormat), s.SizeBytes)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <file>",
		Short: "Restore a snapshot into the data directory (stop the server first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			restored, err := m.Restore(args[0])
			if err != nil {
				return err
			}
			for _, name := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", name)
			}
			return nil
		},
	})
	return cmd
}
