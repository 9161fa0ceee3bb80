package cli

import (
	"fmt"

	"github.com/drover-sh/drover/internal/cache"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print result cache counters",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached result",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	c, persistent, err := openConfiguredCache(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if c == nil {
		fmt.Fprintln(out, "Result cache is disabled.")
		return nil
	}
	defer c.Close()

	if !persistent {
		fmt.Fprintln(out, "Cache has no on-disk path; counters cover this process only.")
	}
	st := c.Stats()
	fmt.Fprintf(out, "Entries:   %d\n", st.Entries)
	fmt.Fprintf(out, "Bytes:     %s\n", humanBytes(st.Bytes))
	fmt.Fprintf(out, "Hits:      %d\n", st.Hits)
	fmt.Fprintf(out, "Misses:    %d\n", st.Misses)
	fmt.Fprintf(out, "Evictions: %d\n", st.Evictions)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	c, _, err := openConfiguredCache(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if c == nil {
		fmt.Fprintln(out, "Result cache is disabled.")
		return nil
	}
	defer c.Close()

	c.Clear()
	fmt.Fprintln(out, "Result cache cleared.")
	return nil
}

// openConfiguredCache opens the cache the way the engine would. A nil
// cache with a nil error means caching is disabled.
func openConfiguredCache(cmd *cobra.Command) (*cache.Cache, bool, error) {
	levelName, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, false, err
	}
	logger, err := newLogger(levelName, cmd.ErrOrStderr())
	if err != nil {
		return nil, false, err
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, false, err
	}
	cfg, _, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	if !cfg.Cache.Enabled {
		return nil, false, nil
	}

	c, err := cache.New(cache.Options{
		TTL:      cfg.Cache.TTL(),
		MaxBytes: cfg.Cache.MaxBytes,
		Path:     cfg.Cache.Path,
		Logger:   logger,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to open result cache: %w", err)
	}
	return c, cfg.Cache.Path != "", nil
}
