package saga

import (
	"context"

	"github.com/swifttrack/platform/pkg/logger"
)

// Alerter receives out-of-band notifications for conditions an operator
// should look at, such as rejected transitions.
type Alerter interface {
	Alert(ctx context.Context, summary string, fields map[string]interface{})
}

// LogAlerter writes alerts to the structured log at error level. Deployed
// environments route these lines to the paging pipeline.
type LogAlerter struct {
	logger *logger.Logger
}

func NewLogAlerter(log *logger.Logger) *LogAlerter {
	return &LogAlerter{logger: log.WithFields(map[string]interface{}{"alert": true})}
}

func (a *LogAlerter) Alert(_ context.Context, summary string, fields map[string]interface{}) {
	a.logger.WithFields(fields).Error(nil, summary)
}
