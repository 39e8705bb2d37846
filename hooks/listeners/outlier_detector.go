package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/hooks"
)

// Thresholds defines the min/max acceptable values for a numeric column.
type Thresholds struct {
	Min float64
	Max float64
}

// OutlierRule defines the configuration for detecting outliers in one column of a table.
type OutlierRule struct {
	Table      string
	Column     string
	Thresholds Thresholds
	// Reject turns the rule into a validation hook that cancels the insert.
	Reject bool
}

// OutlierDetectionListener checks incoming rows for numeric values that fall outside configured thresholds.
type OutlierDetectionListener struct {
	logger *slog.Logger
	rules  map[string]map[string]OutlierRule // map[table]map[column]rule
}

// NewOutlierDetectionListener creates a new listener for detecting outliers.
func NewOutlierDetectionListener(logger *slog.Logger, rules []OutlierRule) *OutlierDetectionListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ruleMap := make(map[string]map[string]OutlierRule)
	for _, rule := range rules {
		if _, ok := ruleMap[rule.Table]; !ok {
			ruleMap[rule.Table] = make(map[string]OutlierRule)
		}
		ruleMap[rule.Table][rule.Column] = rule
	}

	return &OutlierDetectionListener{
		logger: logger.With("component", "OutlierDetectionListener"),
		rules:  ruleMap,
	}
}

// OnEvent handles PreInsert events to check rows before they are logged.
func (l *OutlierDetectionListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreInsert {
		return nil
	}

	payload, ok := event.Payload().(hooks.PreInsertPayload)
	if !ok {
		l.logger.Error("Received PreInsert event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	tableRules, ok := l.rules[payload.Table]
	if !ok {
		return nil
	}

	for column, rule := range tableRules {
		v, ok := payload.Row[column]
		if !ok {
			continue
		}
		var numericValue float64
		switch v.Type {
		case core.TypeInt32:
			numericValue = float64(v.I32)
		case core.TypeFloat64:
			numericValue = v.F64
		default:
			continue
		}
		if numericValue >= rule.Thresholds.Min && numericValue <= rule.Thresholds.Max {
			continue
		}
		l.logger.Warn("Outlier detected",
			"table", payload.Table,
			"column", column,
			"value", numericValue,
			"min_threshold", rule.Thresholds.Min,
			"max_threshold", rule.Thresholds.Max,
		)
		if rule.Reject {
			return &core.ConstraintError{
				Table:  payload.Table,
				Column: column,
				Reason: fmt.Sprintf("value %v outside [%v, %v]", numericValue, rule.Thresholds.Min, rule.Thresholds.Max),
			}
		}
	}
	return nil
}

// Priority defines the execution order.
func (l *OutlierDetectionListener) Priority() int { return 100 }

// IsAsync reports false; pre-hooks run synchronously regardless.
func (l *OutlierDetectionListener) IsAsync() bool { return false }
