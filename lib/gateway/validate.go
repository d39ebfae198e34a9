package gateway

import (
	"fmt"

	"github.com/solnx/gridflow/internal/apperr"
	"github.com/solnx/gridflow/internal/model"
)

// Validate checks r against the reading schema in spec §6, returning a
// field-tagged validation error on the first failure (mirroring the
// ComputeHive example's "Missing required fields" shape, generalized to
// per-field errors instead of one flat message).
func Validate(r model.Reading) error {
	if r.MeterID == "" {
		return apperr.Validation("meterId", "must be a non-empty string")
	}
	if r.Region == "" {
		return apperr.Validation("region", "must be a non-empty string")
	}
	if r.Timestamp.IsZero() {
		return apperr.Validation("timestamp", "must be a valid ISO-8601 timestamp")
	}
	if r.PowerKw < 0 {
		return apperr.Validation("powerKw", "must be >= 0")
	}
	if r.Voltage != nil && (*r.Voltage < 0 || *r.Voltage > 500) {
		return apperr.Validation("voltage", "must be within [0, 500]")
	}
	if r.Current != nil && *r.Current < 0 {
		return apperr.Validation("current", "must be >= 0")
	}
	if r.Frequency != nil && *r.Frequency < 0 {
		return apperr.Validation("frequency", "must be >= 0")
	}
	if r.PowerFact != nil && (*r.PowerFact < 0 || *r.PowerFact > 1) {
		return apperr.Validation("powerFactor", "must be within [0, 1]")
	}
	if r.EnergyKwh < 0 {
		return apperr.Validation("energyKwh", "must be >= 0")
	}
	switch r.Status {
	case "", model.StatusOK, model.StatusError:
	default:
		return apperr.Validation("status", fmt.Sprintf("must be one of OK, ERROR, got %q", r.Status))
	}
	return nil
}
