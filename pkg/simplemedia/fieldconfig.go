package simplemedia

import "context"

// DefaultFieldConfig applies to fields the CMS declares no policy for.
var DefaultFieldConfig = FieldConfig{MaxSizeMB: DefaultMaxSizeMB}

// StaticFieldConfigs is a FieldConfigProvider backed by a fixed map keyed by
// "formID/fieldName". A "formID/*" entry matches every field of the form.
type StaticFieldConfigs map[string]FieldConfig

func (s StaticFieldConfigs) FieldConfig(ctx context.Context, formID, fieldName string) (FieldConfig, error) {
	if cfg, ok := s[formID+"/"+fieldName]; ok {
		return cfg, nil
	}
	if cfg, ok := s[formID+"/*"]; ok {
		return cfg, nil
	}
	return DefaultFieldConfig, nil
}

// FieldConfigFunc adapts a function to the FieldConfigProvider interface.
type FieldConfigFunc func(ctx context.Context, formID, fieldName string) (FieldConfig, error)

func (f FieldConfigFunc) FieldConfig(ctx context.Context, formID, fieldName string) (FieldConfig, error) {
	return f(ctx, formID, fieldName)
}
