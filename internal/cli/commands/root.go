// Copyright 2024 BranchOrigin Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"branchorigin/internal/cache"
	"branchorigin/internal/config"
	"branchorigin/internal/origin"
	"branchorigin/internal/storage"
	"branchorigin/internal/task"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Persistent flags
var (
	projectPath string
	logLevel    string
)

// loaded in PersistentPreRunE
var settings *config.Settings

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "branchorigin",
	Short: "Cache of branch copy points",
	Long: `Answers where one branch originated from another, using a per-project cache
of previously discovered branch copy points.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		s, err := config.LoadSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = s
		storage.SetConfigBusyTimeout(s.BusyTimeout)

		level := s.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		config.SetupLogging(level, os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("branchorigin version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", ".", "Project directory whose cache is used")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, off (overrides settings)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// session is an activated cache together with the executors it runs on.
type session struct {
	bp   *cache.BranchPoints
	pool *task.Pool
	loop *task.Loop
}

// openSession activates the cache of the selected project. A nil finder means
// the command never computes, so everything runs inline.
func openSession(finder origin.Finder) (*session, error) {
	path, err := config.StorePath(projectPath)
	if err != nil {
		return nil, err
	}

	s := &session{}
	if finder == nil {
		s.bp = cache.New(path, origin.NewStatic(), task.NewInlineRunner())
	} else {
		poolSize := 4
		if settings != nil {
			poolSize = settings.PoolSize
		}
		s.pool = task.NewPool(poolSize)
		s.loop = task.NewLoop()
		s.loop.Start()
		s.bp = cache.New(path, finder, task.NewRunner(s.pool, s.loop))
	}
	if err := s.bp.Activate(); err != nil {
		if s.loop != nil {
			s.loop.Stop()
		}
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return s, nil
}

// Close waits for outstanding work, then deactivates the cache.
func (s *session) Close() error {
	if s.pool != nil {
		s.pool.Wait()
		s.loop.Stop()
	}
	return s.bp.Deactivate()
}

// closeAndReport closes c and reports a close failure through errp unless an
// earlier error is already set. Used with a named error return so a failed
// final flush reaches the exit code.
func closeAndReport(c io.Closer, errp *error) {
	if err := c.Close(); err != nil && *errp == nil {
		*errp = fmt.Errorf("failed to close cache: %w", err)
	}
}
