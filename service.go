package cobot_us

import (
	"context"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
)

var SweepModel = resource.NewModel("cobot-us", "mycobot", "sweep")

func init() {
	resource.RegisterService(
		generic.API,
		SweepModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newSweepService,
		},
	)
}

// sweepService exposes the ultrasound sweep system as a generic service.
// Everything goes through DoCommand.
type sweepService struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	system *System
}

func newSweepService(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	system, err := NewSystem(ctx, cfg, SystemOptions{}, logger)
	if err != nil {
		return nil, err
	}

	logger.Infof("myCobot sweep service initialized for %s", cfg.Port)
	return &sweepService{
		name:   conf.ResourceName(),
		logger: logger,
		system: system,
	}, nil
}

func (s *sweepService) Name() resource.Name {
	return s.name
}

// DoCommand runs a sweep, settings or reconstruction command. See
// System.Execute for the command set.
func (s *sweepService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return s.system.Execute(ctx, cmd)
}

func (s *sweepService) Close(ctx context.Context) error {
	return s.system.Close(ctx)
}
