package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/oceangrid/internal/config"
	"github.com/3leaps/oceangrid/pkg/manifest"
	"github.com/3leaps/oceangrid/pkg/pipeline"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	orig := appIdentity
	defer func() { appIdentity = orig }()

	appIdentity = nil
	assert.Nil(t, GetAppIdentity())

	appIdentity = config.DefaultIdentity()
	require.NotNil(t, GetAppIdentity())
	assert.Equal(t, "oceangrid", GetAppIdentity().BinaryName)
}

func TestFlagOverrides(t *testing.T) {
	origLevel, origFormat, origRoot, origWorkers := logLevelFlag, logFormat, dataRootFlag, workersFlag
	defer func() {
		logLevelFlag, logFormat, dataRootFlag, workersFlag = origLevel, origFormat, origRoot, origWorkers
	}()

	newCmd := func() *cobra.Command {
		c := &cobra.Command{Use: "test"}
		c.Flags().StringVar(&logLevelFlag, "log-level", "", "")
		c.Flags().StringVar(&logFormat, "log-format", "", "")
		c.Flags().StringVar(&dataRootFlag, "data-root", "", "")
		c.Flags().IntVar(&workersFlag, "workers", 0, "")
		return c
	}

	t.Run("nothing set", func(t *testing.T) {
		c := newCmd()
		require.NoError(t, c.ParseFlags(nil))
		assert.Empty(t, flagOverrides(c))
	})

	t.Run("set flags become nested overrides", func(t *testing.T) {
		c := newCmd()
		require.NoError(t, c.ParseFlags([]string{"--log-level", "debug", "--data-root", "/srv/ocean", "--workers", "8"}))

		got := flagOverrides(c)
		assert.Equal(t, map[string]any{"level": "debug"}, got["logging"])
		assert.Equal(t, "/srv/ocean", got["data_root"])
		assert.Equal(t, 8, got["workers"])
	})
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "cli error", err: exitError(foundry.ExitFileNotFound, "missing", nil), want: foundry.ExitFileNotFound},
		{name: "wrapped cli error", err: fmt.Errorf("outer: %w", exitError(foundry.ExitFileWriteError, "x", nil)), want: foundry.ExitFileWriteError},
		{name: "canceled", err: fmt.Errorf("run: %w", context.Canceled), want: foundry.ExitSignalInt},
		{name: "invalid pipeline", err: fmt.Errorf("%w: no stages", pipeline.ErrInvalid), want: foundry.ExitInvalidArgument},
		{name: "invalid manifest", err: manifest.ErrValidationFailed, want: foundry.ExitInvalidArgument},
		{name: "unknown command", err: errors.New(`unknown command "foo" for "oceangrid"`), want: foundry.ExitInvalidArgument},
		{name: "unknown flag", err: errors.New("unknown flag: --nope"), want: foundry.ExitInvalidArgument},
		{name: "anything else", err: errors.New("boom"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestCLIErrorMessage(t *testing.T) {
	err := exitError(foundry.ExitInvalidArgument, "Invalid manifest", errors.New("bad date"))
	assert.Equal(t, "Invalid manifest: bad date", err.Error())
	assert.Equal(t, "Invalid manifest", exitError(1, "Invalid manifest", nil).Error())
}

func TestRestrictStages(t *testing.T) {
	t.Run("empty keeps manifest", func(t *testing.T) {
		m := &manifest.Manifest{}
		require.NoError(t, restrictStages(m, nil))
		assert.Nil(t, m.Stages.Download.Enabled)
		assert.Nil(t, m.Stages.Composite.Enabled)
	})

	t.Run("disables unnamed stages", func(t *testing.T) {
		m := &manifest.Manifest{}
		require.NoError(t, restrictStages(m, []string{" Regrid ", "composite"}))

		assert.False(t, m.Stages.Download.IsEnabled())
		assert.False(t, m.Stages.Process.IsEnabled())
		assert.False(t, m.Stages.Bin.IsEnabled())
		assert.True(t, m.Stages.Regrid.IsEnabled())
		assert.True(t, m.Stages.Composite.IsEnabled())
	})

	t.Run("named stage disabled in manifest stays disabled", func(t *testing.T) {
		off := false
		m := &manifest.Manifest{}
		m.Stages.Regrid.Enabled = &off
		require.NoError(t, restrictStages(m, []string{"regrid"}))
		assert.False(t, m.Stages.Regrid.IsEnabled())
	})

	t.Run("unknown stage", func(t *testing.T) {
		err := restrictStages(&manifest.Manifest{}, []string{"reproject"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown stage "reproject"`)
	})
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"download", "bin"}, splitList(" download, ,bin "))
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := &config.Config{DataRoot: "/data"}
	cfg.Catalog.DSN = "postgres://catalog"
	cfg.S3.Region = "us-west-2"
	cfg.S3.Endpoint = "http://minio:9000"
	cfg.S3.Profile = "ocean"
	cfg.S3.ForcePathStyle = true

	t.Run("fills empty fields", func(t *testing.T) {
		m := &manifest.Manifest{}
		m.Sinks.S3 = &manifest.S3SinkConfig{Bucket: "out"}
		applyConfigDefaults(m, cfg)

		assert.Equal(t, "/data", m.DataRoot)
		assert.Equal(t, "postgres://catalog", m.Catalog.DSN)
		assert.Equal(t, "us-west-2", m.Source.Region)
		assert.Equal(t, "http://minio:9000", m.Source.Endpoint)
		assert.Equal(t, "ocean", m.Source.Profile)
		assert.True(t, m.Source.ForcePathStyle)
		assert.Equal(t, "us-west-2", m.Sinks.S3.Region)
		assert.Equal(t, "ocean", m.Sinks.S3.Profile)
	})

	t.Run("manifest wins", func(t *testing.T) {
		m := &manifest.Manifest{DataRoot: "/archive"}
		m.Source.Region = "eu-central-1"
		applyConfigDefaults(m, cfg)

		assert.Equal(t, "/archive", m.DataRoot)
		assert.Equal(t, "eu-central-1", m.Source.Region)
	})
}

func TestRunsDir(t *testing.T) {
	t.Run("explicit runs dir", func(t *testing.T) {
		got, err := runsDir(&config.Config{RunsDir: "/var/runs", DataRoot: "/data"}, "/other")
		require.NoError(t, err)
		assert.Equal(t, "/var/runs", got)
	})

	t.Run("under the data root", func(t *testing.T) {
		root := t.TempDir()
		got, err := runsDir(&config.Config{DataRoot: "/ignored"}, root)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "runs"), got)
	})

	t.Run("falls back to config data root", func(t *testing.T) {
		root := t.TempDir()
		got, err := runsDir(&config.Config{DataRoot: root}, "")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "runs"), got)
	})

	t.Run("no data root", func(t *testing.T) {
		_, err := runsDir(&config.Config{}, "")
		require.Error(t, err)
		assert.Equal(t, foundry.ExitInvalidArgument, exitCodeFor(err))
	})
}

func TestForwardedArgs(t *testing.T) {
	origCfg := cfgFile
	cfgFile = ""
	defer func() { cfgFile = origCfg }()

	c := &cobra.Command{Use: "run"}
	got := forwardedArgs(c, runOptions{
		stages: []string{"download", "bin"},
		name:   "nightly",
		resume: true,
		force:  false,
		report: "/tmp/report.jsonl",
	})
	assert.Equal(t, []string{
		"--stages", "download,bin",
		"--name", "nightly",
		"--resume",
		"--report", "/tmp/report.jsonl",
	}, got)
}

func TestBuildInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	SetVersionInfo("0.3.0", "d34db33f", "2026-10-01")
	info := buildInfo()
	assert.Equal(t, "0.3.0", info.Version)
	assert.Equal(t, "d34db33f", info.Commit)
	assert.Equal(t, "2026-10-01", info.BuildDate)
	assert.NotEmpty(t, info.GoVersion)
}
