package logger

import (
	"strings"

	"go.uber.org/zap"
)

// Keys shared by every component so that one job or cycle can be followed
// through the logs.
const (
	FieldJobID    = "job_id"
	FieldStage    = "stage"
	FieldCycleID  = "cycle_id"
	FieldProvider = "ai_provider"
	FieldModel    = "ai_model"
)

type StringField struct {
	Key   string
	Value string
}

// StringFields converts key/value pairs into zap fields. Pairs with a blank
// key or value are dropped.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields attaches fields to logger. A nil logger becomes a no-op one.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// ProviderFields names the AI provider and model that served a call.
func ProviderFields(provider, model string) []zap.Field {
	return StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldModel, Value: model},
	)
}

func WithProvider(logger *zap.Logger, provider, model string) *zap.Logger {
	return WithFields(logger, ProviderFields(provider, model)...)
}

// JobFields identifies a job and the stage it is in.
func JobFields(id, stage string) []zap.Field {
	return StringFields(
		StringField{Key: FieldJobID, Value: id},
		StringField{Key: FieldStage, Value: stage},
	)
}

func WithJob(logger *zap.Logger, id, stage string) *zap.Logger {
	return WithFields(logger, JobFields(id, stage)...)
}

func CycleFields(cycleID string) []zap.Field {
	return StringFields(StringField{Key: FieldCycleID, Value: cycleID})
}

func WithCycle(logger *zap.Logger, cycleID string) *zap.Logger {
	return WithFields(logger, CycleFields(cycleID)...)
}
