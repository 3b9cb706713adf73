package bootstrap

import (
	"recordplane/pkg/sequence"
	"recordplane/services/record"
	"recordplane/services/schema"
	"recordplane/services/workflow"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Logger *zap.Logger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: p.DB, logger: logger}
}

// Migrate creates the platform tables. Schema first, then the stores that
// reference module schemas.
func (s *Service) Migrate() error {
	if err := s.db.AutoMigrate(
		&schema.ModuleSchema{},
		&sequence.AutoNumberSequence{},
		&record.DynamicRecord{},
		&workflow.Workflow{},
		&workflow.WorkflowTemplate{},
		&workflow.WorkflowExecution{},
	); err != nil {
		s.logger.Error("[bootstrap] migration failed", zap.Error(err))
		return err
	}
	s.logger.Info("[bootstrap] migration complete")
	return nil
}
