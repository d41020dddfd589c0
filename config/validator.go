package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterStructValidation(validateStorage, StorageConfig{})
	validate.RegisterStructValidation(validateKnowledge, KnowledgeConfig{})
	validate.RegisterStructValidation(validateCrossEncoder, CrossEncoderConfig{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var details ValidationErrors
			for _, fe := range validationErrors {
				details = append(details, ConfigError{
					Field:   fe.Namespace(),
					Message: formatValidationError(fe),
					Value:   fe.Value(),
				})
			}
			return details
		}
		return err
	}
	return nil
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_for_backend":
		return fmt.Sprintf("this field is required when the backend is %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}

func validateStorage(sl validator.StructLevel) {
	s := sl.Current().Interface().(StorageConfig)
	switch s.Type {
	case "badger":
		if strings.TrimSpace(s.Badger.Path) == "" {
			sl.ReportError(s.Badger.Path, "Badger.Path", "Path", "required_for_backend", "badger")
		}
	case "redis":
		if strings.TrimSpace(s.Redis.Address) == "" {
			sl.ReportError(s.Redis.Address, "Redis.Address", "Address", "required_for_backend", "redis")
		}
	case "sqlite":
		if strings.TrimSpace(s.SQLite.Path) == "" {
			sl.ReportError(s.SQLite.Path, "SQLite.Path", "Path", "required_for_backend", "sqlite")
		}
	}
}

func validateKnowledge(sl validator.StructLevel) {
	k := sl.Current().Interface().(KnowledgeConfig)
	switch k.Backend {
	case "chromem":
		if strings.TrimSpace(k.Chromem.Collection) == "" {
			sl.ReportError(k.Chromem.Collection, "Chromem.Collection", "Collection", "required_for_backend", "chromem")
		}
	case "pgvector":
		if strings.TrimSpace(k.PGVector.DSN) == "" {
			sl.ReportError(k.PGVector.DSN, "PGVector.DSN", "DSN", "required_for_backend", "pgvector")
		}
		if strings.TrimSpace(k.PGVector.Table) == "" {
			sl.ReportError(k.PGVector.Table, "PGVector.Table", "Table", "required_for_backend", "pgvector")
		}
	}
}

func validateCrossEncoder(sl validator.StructLevel) {
	c := sl.Current().Interface().(CrossEncoderConfig)
	switch c.Backend {
	case "http":
		if strings.TrimSpace(c.Endpoint) == "" {
			sl.ReportError(c.Endpoint, "Endpoint", "Endpoint", "required_for_backend", "http")
		}
	case "onnx":
		if strings.TrimSpace(c.ONNX.ModelPath) == "" {
			sl.ReportError(c.ONNX.ModelPath, "ONNX.ModelPath", "ModelPath", "required_for_backend", "onnx")
		}
	}
}
