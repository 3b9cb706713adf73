package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"recordplane/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("sequence",
	fx.Provide(NewGenerator),
)

// Generator issues per-(tenant, module) auto numbers. Every number issued is
// unique and the run of numbers for one counter is contiguous and increasing,
// even under concurrent callers: the increment is a single conditional UPDATE
// at the storage layer, never a read-then-write in application code.
type Generator interface {
	Generate(ctx context.Context, tenantID, moduleName string) (string, error)
	Current(ctx context.Context, tenantID, moduleName string) (*AutoNumberSequence, error)
	Configure(ctx context.Context, tenantID, moduleName, prefix, format string) error
	// Reset rewinds the counter to 1. Destructive: previously issued numbers
	// will be reissued. Callers must gate this to administrators.
	Reset(ctx context.Context, tenantID, moduleName string) error
}

const createRaceRetries = 3

type GormGenerator struct {
	db   *gorm.DB
	node *snowflake.Node
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewGenerator(p Params) Generator {
	return &GormGenerator{db: p.DB, node: p.Node}
}

func (g *GormGenerator) Generate(ctx context.Context, tenantID, moduleName string) (string, error) {
	var issued int64
	var seq *AutoNumberSequence
	var err error

	for attempt := 0; attempt <= createRaceRetries; attempt++ {
		seq, err = g.find(ctx, tenantID, moduleName)
		if err != nil {
			return "", err
		}
		if seq == nil {
			if err := g.create(ctx, tenantID, moduleName); err != nil {
				// Another caller created the row first; pick it up next loop.
				if !errutil.HasStatus(err, errutil.StatusConcurrency) {
					return "", err
				}
			}
			continue
		}

		issued, err = g.increment(ctx, tenantID, moduleName)
		if err != nil {
			return "", err
		}
		return Format(seq.Format, seq.Prefix, issued, time.Now().UTC()), nil
	}

	return "", errutil.Concurrency("lost sequence creation race", errutil.WithErr(err))
}

// increment bumps next_number and reports the pre-increment value in one
// statement, so concurrent callers can never observe the same number.
func (g *GormGenerator) increment(ctx context.Context, tenantID, moduleName string) (int64, error) {
	var next int64
	res := g.db.WithContext(ctx).Raw(
		`UPDATE auto_number_sequences
		 SET next_number = next_number + 1, updated_at = ?
		 WHERE tenant_id = ? AND module_name = ?
		 RETURNING next_number - 1`,
		time.Now().UTC(), tenantID, moduleName,
	).Scan(&next)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, errutil.NotFound(fmt.Sprintf("no sequence for %s/%s", tenantID, moduleName))
	}
	return next, nil
}

func (g *GormGenerator) find(ctx context.Context, tenantID, moduleName string) (*AutoNumberSequence, error) {
	var seq AutoNumberSequence
	err := g.db.WithContext(ctx).
		Where("tenant_id = ? AND module_name = ?", tenantID, moduleName).
		First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (g *GormGenerator) create(ctx context.Context, tenantID, moduleName string) error {
	now := time.Now().UTC()
	seq := &AutoNumberSequence{
		ID:         g.node.Generate().String(),
		TenantID:   tenantID,
		ModuleName: moduleName,
		Prefix:     strings.ToUpper(moduleName),
		Format:     DefaultFormat,
		NextNumber: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.db.WithContext(ctx).Create(seq).Error; err != nil {
		zap.L().Debug("sequence create lost race", zap.String("tenant_id", tenantID),
			zap.String("module", moduleName), zap.Error(err))
		return errutil.Concurrency("sequence already exists", errutil.WithErr(err))
	}
	return nil
}

func (g *GormGenerator) Current(ctx context.Context, tenantID, moduleName string) (*AutoNumberSequence, error) {
	seq, err := g.find(ctx, tenantID, moduleName)
	if err != nil {
		return nil, err
	}
	if seq == nil {
		return nil, errutil.NotFound(fmt.Sprintf("no sequence for %s/%s", tenantID, moduleName))
	}
	return seq, nil
}

func (g *GormGenerator) Configure(ctx context.Context, tenantID, moduleName, prefix, format string) error {
	if err := ValidateFormat(format); err != nil {
		return err
	}
	res := g.db.WithContext(ctx).Model(&AutoNumberSequence{}).
		Where("tenant_id = ? AND module_name = ?", tenantID, moduleName).
		Updates(map[string]any{"prefix": prefix, "format": format, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound(fmt.Sprintf("no sequence for %s/%s", tenantID, moduleName))
	}
	return nil
}

func (g *GormGenerator) Reset(ctx context.Context, tenantID, moduleName string) error {
	res := g.db.WithContext(ctx).Model(&AutoNumberSequence{}).
		Where("tenant_id = ? AND module_name = ?", tenantID, moduleName).
		Updates(map[string]any{"next_number": 1, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound(fmt.Sprintf("no sequence for %s/%s", tenantID, moduleName))
	}
	zap.L().Warn("auto-number sequence reset", zap.String("tenant_id", tenantID), zap.String("module", moduleName))
	return nil
}

var paddedRe = regexp.MustCompile(`\{padded:(\d+)\}`)

var knownVerbs = []string{"{prefix}", "{year}", "{month}", "{day}"}

// Format renders an issued number through the template language:
// {prefix}, {padded:N}, {year}, {month}, {day}.
func Format(format, prefix string, number int64, now time.Time) string {
	if format == "" {
		format = DefaultFormat
	}
	out := format
	out = strings.ReplaceAll(out, "{prefix}", prefix)
	out = strings.ReplaceAll(out, "{year}", now.Format("2006"))
	out = strings.ReplaceAll(out, "{month}", now.Format("01"))
	out = strings.ReplaceAll(out, "{day}", now.Format("02"))
	out = paddedRe.ReplaceAllStringFunc(out, func(m string) string {
		width, _ := strconv.Atoi(paddedRe.FindStringSubmatch(m)[1])
		return fmt.Sprintf("%0*d", width, number)
	})
	return out
}

// ValidateFormat rejects templates containing verbs the renderer does not know.
func ValidateFormat(format string) error {
	rest := paddedRe.ReplaceAllString(format, "")
	for _, verb := range knownVerbs {
		rest = strings.ReplaceAll(rest, verb, "")
	}
	if i := strings.IndexAny(rest, "{}"); i >= 0 {
		return errutil.ValidationFailed(fmt.Sprintf("unknown verb in sequence format %q", format))
	}
	return nil
}
