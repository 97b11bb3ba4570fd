package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	yamlv3 "gopkg.in/yaml.v3"
)

func Quarantine(stateDir, filePath string, logger *zap.Logger) error {
	quarantineDir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	logger.Warn("quarantined corrupted file", zap.String("path", filePath), zap.String("quarantine", quarantinePath))
	return nil
}

func RestoreFromBackup(filePath string, logger *zap.Logger) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := AtomicWriteText(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	logger.Info("restored from backup", zap.String("path", filePath))
	return nil
}

func GenerateSkeleton(filePath string, fileType string, logger *zap.Logger) error {
	content, err := yamlv3.Marshal(skeletonForType(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}

	if err := AtomicWriteText(filePath, content); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}

	logger.Info("generated skeleton", zap.String("path", filePath), zap.String("file_type", fileType))
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores the last good
// backup or, failing that, an empty document of fileType.
func RecoverCorruptedFile(stateDir, filePath, fileType string, logger *zap.Logger) error {
	if err := Quarantine(stateDir, filePath, logger); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	err := RestoreFromBackup(filePath, logger)
	if err == nil {
		if verr := ValidateSchemaHeader(filePath, fileType); verr == nil {
			return nil
		}
		err = fmt.Errorf("backup has invalid header")
	}
	logger.Warn("backup restore failed, falling back to skeleton",
		zap.String("path", filePath), zap.Error(err))

	if err := GenerateSkeleton(filePath, fileType, logger); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}

func skeletonForType(fileType string) any {
	switch fileType {
	case FileTypeMetrics:
		return map[string]any{
			"schema_version":  CurrentSchemaVersion,
			"file_type":       FileTypeMetrics,
			"processed_total": 0,
			"errors_total":    0,
			"by_type":         map[string]any{},
			"heartbeat":       nil,
			"updated_at":      nil,
		}
	case FileTypeSchedules:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeSchedules,
			"schedules":      []any{},
		}
	case FileTypeAlerts:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeAlerts,
			"last_sent_at":   nil,
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}

// LoadOrRecover loads a state document, recovering it first when it is
// corrupt. A missing file leaves out untouched.
func LoadOrRecover(stateDir, filePath, fileType string, out any, logger *zap.Logger) error {
	_, err := LoadState(filePath, fileType, out)
	if err == nil {
		return nil
	}
	logger.Warn("state document unreadable", zap.String("path", filePath), zap.Error(err))
	if rerr := RecoverCorruptedFile(stateDir, filePath, fileType, logger); rerr != nil {
		return fmt.Errorf("recover %s: %w", filepath.Base(filePath), rerr)
	}
	if _, err := LoadState(filePath, fileType, out); err != nil {
		return fmt.Errorf("reload %s: %w", filepath.Base(filePath), err)
	}
	return nil
}
