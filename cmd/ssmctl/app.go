package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/opsgate/ssmctl/internal/awsapi"
	"github.com/opsgate/ssmctl/internal/config"
	"github.com/opsgate/ssmctl/internal/fleet"
	"github.com/opsgate/ssmctl/internal/grants"
	"github.com/opsgate/ssmctl/internal/invoke"
	"github.com/opsgate/ssmctl/internal/transfer"
)

// app wires one invocation: settings resolved once, clients built once, the
// region captured up front and threaded through every call.
type app struct {
	settings config.Settings
	clients  awsapi.Clients
}

func newApp(ctx context.Context, configPath, regionFlag string) (*app, error) {
	settings, err := loadSettings(configPath)
	if err != nil {
		return nil, err
	}

	region := resolveRegion(regionFlag, settings.Region)
	if region == "" {
		return nil, errors.New("region required: pass -region, set it in the settings file, or export AWS_REGION")
	}
	settings.Region = region

	clients, err := awsapi.NewClients(ctx, region)
	if err != nil {
		return nil, err
	}
	return &app{settings: settings, clients: clients}, nil
}

// loadSettings reads the explicit file when given, else the default path
// when present, else defaults.
func loadSettings(configPath string) (config.Settings, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if home, err := os.UserHomeDir(); err == nil {
		fallback := filepath.Join(home, ".ssmctl", "config.toml")
		if _, err := os.Stat(fallback); err == nil {
			return config.Load(fallback)
		}
	}
	return config.Default(), nil
}

func resolveRegion(flagValue, fileValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(fileValue); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("AWS_REGION"))
}

func (a *app) executor() *invoke.Executor {
	return invoke.NewExecutor(a.clients.SSM, invoke.Config{
		PollInterval: a.settings.PollInterval,
		PollTimeout:  a.settings.PollTimeout,
	})
}

func (a *app) fleet() *fleet.Executor {
	return fleet.NewExecutor(a.clients.EC2, a.clients.SSM, a.executor())
}

func (a *app) grantManager() (*grants.Manager, error) {
	store, err := grants.NewStore(a.settings.StateDir, a.settings.RegistryLockWait, a.settings.RegistryLockStaleAge)
	if err != nil {
		return nil, err
	}
	return grants.NewManager(a.clients.IAM, a.clients.EC2, store, grants.Config{
		Region:       a.settings.Region,
		LockWait:     a.settings.LockWait,
		LockStaleAge: a.settings.LockStaleAge,
	}), nil
}

func (a *app) transfer() (*transfer.Engine, error) {
	mgr, err := a.grantManager()
	if err != nil {
		return nil, err
	}
	cfg := transfer.Config{
		Region:           a.settings.Region,
		Threshold:        a.settings.TransferThreshold,
		PropagationDelay: a.settings.PropagationDelay,
		BucketPrefix:     a.settings.BucketPrefix,
	}
	return transfer.NewEngine(a.executor(), a.clients.S3, a.clients.STS, mgr, cfg), nil
}
