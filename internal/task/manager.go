// internal/task/manager.go
package task

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rovshanmuradov/allowance-bot/internal/quote"
)

// Manager loads and parses Task definitions.
type Manager struct {
	logger *zap.Logger
}

// TaskConfig represents the structure of tasks YAML file
type TaskConfig struct {
	Tasks []struct {
		TaskName       string             `yaml:"task_name"`
		TargetUSD      float64            `yaml:"target_usd"`
		TargetMicroUSD int64              `yaml:"target_micro_usd"`
		Stablecoin     string             `yaml:"stablecoin"`
		Referral       string             `yaml:"referral"`
		Balances       map[string]float64 `yaml:"balances"`
		Prices         map[string]float64 `yaml:"prices"`
		PriceSymbols   map[string]string  `yaml:"price_symbols"`
		NearBalance    bool               `yaml:"near_balance"`
	} `yaml:"tasks"`
}

// NewManager constructs a Manager with the given logger.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger.Named("task")}
}

// LoadTasksYAML reads tasks from YAML file. Invalid tasks are skipped with
// a warning; an error is returned only when nothing usable remains.
func (m *Manager) LoadTasksYAML(path string, defaultCoin quote.Stablecoin) ([]*Task, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var config TaskConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(config.Tasks) == 0 {
		return nil, fmt.Errorf("no tasks found in configuration")
	}

	tasks := make([]*Task, 0, len(config.Tasks))
	for i, td := range config.Tasks {
		coin := defaultCoin
		if td.Stablecoin != "" {
			coin, err = quote.ParseStablecoin(td.Stablecoin)
			if err != nil {
				m.logger.Warn("Skipping invalid task", zap.String("task_name", td.TaskName), zap.Error(err))
				continue
			}
		}

		target := td.TargetMicroUSD
		if target == 0 && td.TargetUSD > 0 {
			target = int64(math.Round(td.TargetUSD * MicroUSD))
		}

		t := &Task{
			ID:             i,
			TaskName:       td.TaskName,
			TargetMicroUSD: target,
			Stablecoin:     coin,
			Referral:       td.Referral,
			Balances:       td.Balances,
			Prices:         td.Prices,
			PriceSymbols:   td.PriceSymbols,
			NearBalance:    td.NearBalance,
			CreatedAt:      time.Now(),
		}
		if err := t.Validate(); err != nil {
			m.logger.Warn("Skipping invalid task", zap.String("task_name", td.TaskName), zap.Error(err))
			continue
		}
		tasks = append(tasks, t)
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("no valid tasks loaded")
	}

	m.logger.Info("Loaded tasks", zap.Int("count", len(tasks)))
	return tasks, nil
}
