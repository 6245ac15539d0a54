// Package cli implements the wikiseek subcommands. Each command resolves
// the home directory, loads the config file, and lets flags override it.
package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"wikiseek/internal/config"
	"wikiseek/internal/home"
)

// env is the state shared by every command invocation.
type env struct {
	home  home.Dir
	store *config.Store
	cfg   config.Config
}

// loadEnv resolves --home and reads the config file found there.
func loadEnv(cmd *cobra.Command) (env, error) {
	homeFlag, _ := cmd.Flags().GetString("home")
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return env{}, fmt.Errorf("resolve home directory: %w", err)
	}
	store := config.NewStore(hd.ConfigPath())
	cfg, err := store.Load()
	if err != nil {
		return env{}, err
	}
	return env{home: hd, store: store, cfg: cfg}, nil
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// indexPath returns where the index for archivePath is kept: under the
// configured index_dir when set, the home directory's index cache
// otherwise.
func (e env) indexPath(archivePath string) (string, error) {
	if e.cfg.IndexDir == "" {
		return e.home.IndexPath(archivePath)
	}
	name, err := home.IndexFileName(archivePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(e.cfg.IndexDir, name), nil
}

var errNoArchive = errors.New("no archive given: pass --archive or set default_archive with 'wikiseek config set'")

// archivePath picks the --archive flag, falling back to the configured
// default archive.
func (e env) archivePath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("archive"); p != "" {
		return p, nil
	}
	if e.cfg.DefaultArchive != "" {
		return e.cfg.DefaultArchive, nil
	}
	return "", errNoArchive
}

// intFlag returns the flag value when it was given, def otherwise.
func intFlag(cmd *cobra.Command, name string, def int) int {
	if !cmd.Flags().Changed(name) {
		return def
	}
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output-format")
	return f
}
