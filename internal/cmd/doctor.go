package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/internal/config"
	errwrap "github.com/3leaps/oceangrid/internal/errors"
	"github.com/3leaps/oceangrid/internal/observability"
	"github.com/3leaps/oceangrid/pkg/catalog"
	"github.com/3leaps/oceangrid/pkg/jobstate"
	"github.com/3leaps/oceangrid/pkg/manifest"
)

var (
	doctorProvider string
	doctorManifest string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  oceangrid doctor                          # Environment and data root
  oceangrid doctor --manifest run.yaml      # Also check stage binaries
  oceangrid doctor --provider s3            # S3 credential checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().StringVarP(&doctorManifest, "manifest", "m", "", "Check the stage binaries and data root of this manifest")
}

// doctorCheck returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	log := observability.CLILogger

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	cfg, err := currentConfig(ctx)
	if err != nil {
		ExitWithCode(log, foundry.ExitInvalidArgument, "Invalid configuration",
			errwrap.WrapInternal(ctx, err, "Invalid configuration"))
		return
	}

	version := crucible.GetVersion()
	if version.Crucible == "" {
		log.Error("Checking Crucible access... ❌ Cannot access Crucible")
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
		return
	}

	var m *manifest.Manifest
	if doctorManifest != "" {
		m, err = loadManifest(doctorManifest, cfg)
		if err != nil {
			log.Error("Manifest is not usable", zap.String("manifest", doctorManifest), zap.Error(err))
			ExitWithCode(log, foundry.ExitInvalidArgument, "Invalid manifest", err)
			return
		}
	}
	dataRoot := cfg.DataRoot
	if m != nil && m.DataRoot != "" {
		dataRoot = m.DataRoot
	}

	checks := baseChecks(version.Crucible, version.Gofulmen)
	checks = append(checks, dataRootChecks(cfg, dataRoot)...)
	if m != nil {
		checks = append(checks, binaryChecks(m)...)
	}
	dsn := cfg.Catalog.DSN
	if m != nil && m.Catalog.DSN != "" {
		dsn = m.Catalog.DSN
	}
	if dsn != "" {
		checks = append(checks, doctorCheck{name: "catalog", run: func(ctx context.Context) (string, error) {
			cat, err := catalog.Open(ctx, catalog.DefaultConfig(dsn))
			if err != nil {
				return "", err
			}
			_ = cat.Close()
			return "reachable", nil
		}})
	}

	totalChecks := len(checks)
	if doctorProvider == "s3" {
		totalChecks += 2
	}

	allChecks := true
	checkNum := 1
	for _, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %v", checkNum, totalChecks, c.name, err))
			allChecks = false
		} else {
			log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", checkNum, totalChecks, c.name, detail))
		}
		checkNum++
	}

	if doctorProvider == "s3" {
		allChecks = runS3Checks(ctx, cfg, checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}

func baseChecks(crucibleVersion, gofulmenVersion string) []doctorCheck {
	return []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			v := runtime.Version()
			if v < "go1.23" {
				return "", fmt.Errorf("%s (recommended: go1.23+)", v)
			}
			return v, nil
		}},
		{name: "Crucible access", run: func(context.Context) (string, error) {
			return "v" + crucibleVersion, nil
		}},
		{name: "Gofulmen access", run: func(context.Context) (string, error) {
			if gofulmenVersion == "" {
				return "", fmt.Errorf("cannot access Gofulmen")
			}
			return "v" + gofulmenVersion, nil
		}},
		{name: "config directory", run: func(context.Context) (string, error) {
			return os.UserConfigDir()
		}},
		{name: "environment", run: func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
	}
}

func dataRootChecks(cfg *config.Config, dataRoot string) []doctorCheck {
	return []doctorCheck{
		{name: "data root", run: func(context.Context) (string, error) {
			if dataRoot == "" {
				return "", fmt.Errorf("not set (use --data-root, data_root or OCEANGRID_DATA_ROOT)")
			}
			return dataRoot, checkWritable(dataRoot)
		}},
		{name: "job state", run: func(ctx context.Context) (string, error) {
			js := cfg.JobState(dataRoot)
			if js.Path == "" && js.URL == "" {
				return "", fmt.Errorf("no location (data root unset)")
			}
			store, err := jobstate.Open(ctx, js)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			if err := store.Ping(ctx); err != nil {
				return "", err
			}
			if js.URL != "" {
				return "remote", nil
			}
			return js.Path, nil
		}},
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

// binaryChecks looks up the executables of enabled external stages.
func binaryChecks(m *manifest.Manifest) []doctorCheck {
	stages := []struct {
		name string
		cfg  manifest.ExternalConfig
	}{
		{"process", m.Stages.Process},
		{"bin", m.Stages.Bin},
	}
	var out []doctorCheck
	for _, s := range stages {
		if !s.cfg.IsEnabled() {
			continue
		}
		binary := s.cfg.Binary
		out = append(out, doctorCheck{name: s.name + " binary", run: func(context.Context) (string, error) {
			return exec.LookPath(binary)
		}})
	}
	return out
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, cfg *config.Config, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Provider Checks:")

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
	}
	if cfg.S3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.S3.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source),
		zap.String("region", awsCfg.Region))
	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Set s3.profile (OCEANGRID_S3_PROFILE) to a profile from 'aws configure', or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set s3.endpoint")
	log.Info("and s3.force_path_style in the config file.")
	log.Info("")
}
