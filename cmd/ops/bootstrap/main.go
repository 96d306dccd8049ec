// Package main implements the bootstrap CLI for the Chatforge platform.
//
// The tool guides a human operator through first-time environment setup:
// collecting external secrets (database, Stripe), generating internal keys,
// and populating AWS SSM Parameter Store with the values the configuration
// loader resolves at startup via *_SSM_PARAM pointers.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=dev --export-env
//	go run ./cmd/ops/bootstrap --env=prod --profile=chatforge-prod --region=us-east-1
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// session holds the context established during initialization and threaded
// through the bootstrap phases.
type session struct {
	Environment string
	AWSRegion   string
	AccountID   string
	CallerARN   string
	AWSConfig   aws.Config
	Logger      *slog.Logger
}

func main() {
	envFlag := flag.String("env", "", "Target environment (dev/staging/prod) [required]")
	profileFlag := flag.String("profile", "", "AWS CLI profile (default: uses default credential chain)")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	exportEnvFlag := flag.Bool("export-env", false, "After bootstrap, export SSM pointers to a .env file for local development")
	exportEnvPath := flag.String("export-env-path", ".env", "Path for the exported .env file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Chatforge Bootstrap Tool\n\n")
		fmt.Fprintf(os.Stderr, "Populates AWS SSM parameters required before the first deployment.\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  bootstrap --env=dev [--profile=NAME] [--region=REGION] [--export-env]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *envFlag == "" || !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: --env must be one of dev, staging, prod\n\n")
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := initSession(ctx, *envFlag, *profileFlag, *regionFlag, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if sess.Environment == "prod" && !confirmProd(sess) {
		fmt.Fprintln(os.Stderr, "aborted")
		os.Exit(1)
	}

	printBanner(sess)

	runner := newRunner(sess)
	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if *exportEnvFlag {
		if err := exportEnvFile(sess, *exportEnvPath); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *exportEnvPath)
	}
}

// initSession resolves AWS credentials and verifies the caller identity via
// STS before any parameter is written, so bad credentials fail fast.
func initSession(ctx context.Context, env, profile, region string, logger *slog.Logger) (*session, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	identityCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity: %w (profile %q, region %q)", err, profile, region)
	}

	return &session{
		Environment: env,
		AWSRegion:   region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
		Logger:      logger,
	}, nil
}

// confirmProd requires an explicit "yes" before touching production
// parameters.
func confirmProd(sess *session) bool {
	fmt.Printf("You are about to bootstrap PRODUCTION on account %s.\nType 'yes' to continue: ", sess.AccountID)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return strings.TrimSpace(scanner.Text()) == "yes"
}

func printBanner(sess *session) {
	fmt.Fprintf(os.Stderr, "==============================================\n")
	fmt.Fprintf(os.Stderr, "  Chatforge Bootstrap\n")
	fmt.Fprintf(os.Stderr, "  Environment: %s\n", sess.Environment)
	fmt.Fprintf(os.Stderr, "  Account:     %s\n", sess.AccountID)
	fmt.Fprintf(os.Stderr, "  Caller:      %s\n", sess.CallerARN)
	fmt.Fprintf(os.Stderr, "  SSM Prefix:  /%s/chatforge/\n", sess.Environment)
	fmt.Fprintf(os.Stderr, "==============================================\n")
}

// exportEnvFile writes a .env file containing APP_ENV plus the *_SSM_PARAM
// pointer variables the configuration loader resolves at startup. Secret
// values themselves never land on disk.
func exportEnvFile(sess *session, path string) error {
	mgr := NewSSMManager(sess)

	var b strings.Builder
	fmt.Fprintf(&b, "# Generated by the bootstrap tool for %s. Pointers only; values stay in SSM.\n", sess.Environment)
	fmt.Fprintf(&b, "APP_ENV=%s\n", sess.Environment)
	fmt.Fprintf(&b, "AWS_REGION=%s\n", sess.AWSRegion)
	for _, step := range inventory() {
		fmt.Fprintf(&b, "%s%s=%s\n", step.EnvVar, "_SSM_PARAM", mgr.SSMPath(step.CategoryKey))
	}

	return os.WriteFile(path, []byte(b.String()), 0o600)
}
