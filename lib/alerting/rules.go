package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/solnx/gridflow/internal/model"
)

// DefaultRules seeds the five rule types from spec §4.7. Rule
// configuration is in-memory only; persisted rule storage is out of
// scope.
var DefaultRules = []model.AlertRule{
	{
		ID:       "regional_overload",
		Type:     "regional_overload",
		Enabled:  true,
		Severity: model.SeverityHigh,
		Cooldown: 5 * time.Minute,
		Conditions: []model.AlertCondition{
			{Field: "load_percentage", Operator: model.OpGT, Value: 90.0},
		},
	},
	{
		ID:       "meter_outage",
		Type:     "meter_outage",
		Enabled:  true,
		Severity: model.SeverityCritical,
		Cooldown: time.Minute,
		Conditions: []model.AlertCondition{
			{Field: "last_seen_ago_ms", Operator: model.OpGT, Value: 30000.0},
		},
	},
	{
		ID:       "high_consumption",
		Type:     "high_consumption",
		Enabled:  true,
		Severity: model.SeverityMedium,
		Cooldown: 30 * time.Minute,
		Conditions: []model.AlertCondition{
			{Field: "consumption", Operator: model.OpGT, Value: 1000.0, Aggregation: model.AggAvg, TimeWindow: time.Hour},
		},
	},
	{
		ID:       "low_generation",
		Type:     "low_generation",
		Enabled:  true,
		Severity: model.SeverityMedium,
		Cooldown: 10 * time.Minute,
		Conditions: []model.AlertCondition{
			{Field: "generation_percentage", Operator: model.OpLT, Value: 30.0},
		},
	},
	{
		ID:       "anomaly_forward",
		Type:     "anomaly_forward",
		Enabled:  true,
		Severity: model.SeverityMedium,
		Cooldown: 0,
		Conditions: []model.AlertCondition{
			{Field: "anomaly", Operator: model.OpEQ, Value: true},
		},
	},
}

// compare applies op to (actual, want) per the ConditionOperator
// taxonomy from spec §3.
func compare(op model.ConditionOperator, actual, want interface{}) bool {
	switch op {
	case model.OpContains, model.OpNotContain:
		as, aok := actual.(string)
		ws, wok := want.(string)
		if !aok || !wok {
			return false
		}
		contains := strings.Contains(as, ws)
		if op == model.OpContains {
			return contains
		}
		return !contains
	}

	af, aok := toFloat(actual)
	wf, wok := toFloat(want)
	if !aok || !wok {
		return false
	}
	switch op {
	case model.OpGT:
		return af > wf
	case model.OpGTE:
		return af >= wf
	case model.OpLT:
		return af < wf
	case model.OpLTE:
		return af <= wf
	case model.OpEQ:
		return af == wf
	case model.OpNEQ:
		return af != wf
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// message builds the human-readable alert text for a rule firing,
// generalizing the teacher's "Metric %s has broken threshold" format
// (lib/cyclone/cyclone.go) to the rule-type/context shape.
func message(rule model.AlertRule, ctx model.EvalContext) string {
	switch rule.Type {
	case "regional_overload":
		return fmt.Sprintf("region %s load exceeds 90%% capacity", ctx.Region)
	case "meter_outage":
		return fmt.Sprintf("meter %s has not reported in over 30s", ctx.MeterID)
	case "high_consumption":
		return fmt.Sprintf("meter %s average consumption over the last hour exceeds 1000 kWh", ctx.MeterID)
	case "low_generation":
		return fmt.Sprintf("region %s generation has dropped below 30%% of capacity", ctx.Region)
	case "anomaly_forward":
		return fmt.Sprintf("anomaly detected for meter %s", ctx.MeterID)
	default:
		return fmt.Sprintf("rule %s triggered", rule.ID)
	}
}
