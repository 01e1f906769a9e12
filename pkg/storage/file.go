package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/types"
	"github.com/spf13/viper"
)

// maxMemoryActions bounds the action history kept without an actions file.
const maxMemoryActions = 1000

// FileProvider implements the Database interface with a local settings file
// (YAML, JSON or TOML, picked by extension) and an optional JSON lines file
// of actions. The settings file is re-read on every call so edits take effect
// on the next poll.
type FileProvider struct {
	settingsFile string
	actionsFile  string

	mu      sync.Mutex
	actions []types.Action
}

func configuredFile() *FileProvider {
	settingsFile := lflag.String("settings-file", "config/rules.yaml", "Settings and decision points file (yaml, json or toml)")
	actionsFile := lflag.String("actions-file", "", "File actions are appended to as JSON lines (optional, otherwise kept in memory)")

	f := &FileProvider{}

	lflag.Do(func() {
		f.settingsFile = *settingsFile
		f.actionsFile = *actionsFile
	})

	return f
}

// NewFileProvider returns a FileProvider. An empty actionsFile keeps actions
// in memory.
func NewFileProvider(settingsFile, actionsFile string) *FileProvider {
	return &FileProvider{
		settingsFile: settingsFile,
		actionsFile:  actionsFile,
	}
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.settingsFile == "" {
		return errors.New("settings-file is required")
	}
	return nil
}

func (f *FileProvider) viper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(f.settingsFile)
	return v
}

// GetSettings reads the settings file. The optional top level "version" key
// is the settings version, everything else decodes into types.Settings.
func (f *FileProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	v := f.viper()
	if err := v.ReadInConfig(); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to read settings file %s: %w", f.settingsFile, err)
	}
	version := v.GetInt("version")

	// viper lowercases keys, encoding/json matches them case-insensitively
	b, err := json.Marshal(v.AllSettings())
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to encode settings from %s: %w", f.settingsFile, err)
	}
	var s types.Settings
	if err := json.Unmarshal(b, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings file", slog.String("file", f.settingsFile), slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to decode settings from %s: %w", f.settingsFile, err)
	}
	return s, version, nil
}

// SetSettings writes the settings file in the format of its extension.
func (f *FileProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("failed to convert settings: %w", err)
	}

	v := f.viper()
	for k, val := range m {
		v.Set(k, val)
	}
	v.Set("version", version)
	if err := v.WriteConfigAs(f.settingsFile); err != nil {
		return fmt.Errorf("failed to write settings file %s: %w", f.settingsFile, err)
	}
	return nil
}

// InsertAction appends an action to the actions file, or to memory.
func (f *FileProvider) InsertAction(ctx context.Context, action types.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.actionsFile == "" {
		f.actions = append(f.actions, action)
		if len(f.actions) > maxMemoryActions {
			f.actions = f.actions[len(f.actions)-maxMemoryActions:]
		}
		return nil
	}

	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	fh, err := os.OpenFile(f.actionsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open actions file: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

func (f *FileProvider) allActions(ctx context.Context) ([]types.Action, error) {
	if f.actionsFile == "" {
		return append([]types.Action(nil), f.actions...), nil
	}
	actions, err := f.readActionsFile(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})
	return actions, nil
}

func (f *FileProvider) readActionsFile(ctx context.Context) ([]types.Action, error) {
	fh, err := os.Open(f.actionsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open actions file: %w", err)
	}
	defer fh.Close()

	var actions []types.Action
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var a types.Action
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			// a partially written last line shouldn't hide the rest of the history
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed action", slog.String("file", f.actionsFile), slog.Int("line", line), slog.Any("err", err))
			continue
		}
		actions = append(actions, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read actions file: %w", err)
	}
	return actions, nil
}

// GetActionHistory returns the actions within [start, end) in time order.
func (f *FileProvider) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.allActions(ctx)
	if err != nil {
		return nil, err
	}
	var actions []types.Action
	for _, a := range all {
		if !a.Timestamp.Before(start) && a.Timestamp.Before(end) {
			actions = append(actions, a)
		}
	}
	return actions, nil
}

// GetLatestAction returns the most recent action or nil if there are none.
func (f *FileProvider) GetLatestAction(ctx context.Context) (*types.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.allActions(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[len(all)-1], nil
}

// Close is a no-op, files are opened per call.
func (f *FileProvider) Close() error {
	return nil
}
