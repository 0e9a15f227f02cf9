package rules

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// customFile is the on-disk shape of an operator-authored rule file.
type customFile struct {
	Rules []*Rule `yaml:"rules" validate:"dive"`
}

var structValidator = validator.New()

// LoadCustomFile reads and validates a YAML file of operator-authored
// rules and installs them as the engine's custom tier.
func (e *Engine) LoadCustomFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read custom rules file: %w", err)
	}
	var cf customFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse custom rules file: %w", err)
	}
	if err := structValidator.Struct(cf); err != nil {
		return fmt.Errorf("validate custom rules file: %w", err)
	}
	return e.LoadCustom(cf.Rules)
}

// WatchCustomFile reloads the custom rule tier whenever path changes on
// disk, so an operator edit takes effect without restarting the agent.
// The returned watcher's Close method stops watching.
func (e *Engine) WatchCustomFile(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch rules file: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := e.LoadCustomFile(path); err != nil {
					e.log.Warn("failed to reload custom rules", zap.String("path", path), zap.Error(err))
				} else {
					e.log.Info("reloaded custom rules", zap.String("path", path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.log.Warn("rules watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
