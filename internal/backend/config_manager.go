package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"example.com/netprobed/v2/internal/logger"
	"example.com/netprobed/v2/internal/server"
)

type settingKind int

const (
	kindBool settingKind = iota
	kindInt
	kindString
)

type settingDef struct {
	name     string
	kind     settingKind
	value    interface{}
	label    string
	readOnly bool
}

// settingDefs lists every setting in presentation order. A setting without
// a label gets one derived from its name.
var settingDefs = []settingDef{
	{name: "enabled", kind: kindBool, value: true, label: "Run measurements automatically"},
	{name: "uuid", kind: kindString, value: "", label: "Unique identifier of this agent", readOnly: true},
	{name: "privacy.informed", kind: kindBool, value: false, label: "I have read the privacy policy"},
	{name: "privacy.can_collect", kind: kindBool, value: false},
	{name: "privacy.can_publish", kind: kindBool, value: false},
	{name: "runner.tcp_target", kind: kindString, value: "example.com:80"},
	{name: "runner.http_url", kind: kindString, value: "http://example.com/"},
	{name: "runner.timeout", kind: kindInt, value: int64(10), label: "Test timeout (seconds)"},
	{name: "www.lang", kind: kindString, value: "default", label: "Web interface language"},
}

var titleCaser = cases.Title(language.English)

// defaultLabel turns "privacy.can_collect" into "Privacy Can Collect".
func defaultLabel(name string) string {
	return titleCaser.String(strings.NewReplacer(".", " ", "_", " ").Replace(name))
}

// ConfigManager owns the agent settings. Values are typed as bool, int64 or
// string; changes are persisted as TOML and published as a "config" event.
type ConfigManager struct {
	mu        sync.RWMutex
	defs      map[string]settingDef
	values    map[string]interface{}
	path      string
	publisher Publisher
	log       *logger.Logger
}

// NewConfigManager creates a ConfigManager with default values, overridden by
// the settings file at path when it exists. An empty path disables
// persistence. publisher may be nil.
func NewConfigManager(path string, publisher Publisher, lg *logger.Logger) (*ConfigManager, error) {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	cm := &ConfigManager{
		defs:      make(map[string]settingDef, len(settingDefs)),
		values:    make(map[string]interface{}, len(settingDefs)),
		path:      path,
		publisher: publisher,
		log:       lg,
	}
	for _, d := range settingDefs {
		cm.defs[d.name] = d
		cm.values[d.name] = d.value
	}
	cm.values["uuid"] = uuid.NewString()

	if path != "" {
		if err := cm.load(); err != nil {
			return nil, err
		}
		if err := cm.save(); err != nil {
			return nil, err
		}
	}
	return cm, nil
}

func (cm *ConfigManager) load() error {
	stored := make(map[string]interface{})
	_, err := toml.DecodeFile(cm.path, &stored)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to decode settings file %s: %w", cm.path, err)
	}
	for name, raw := range stored {
		d, ok := cm.defs[name]
		if !ok {
			cm.log.Warn("Ignoring unknown stored setting", logger.LogFields{"name": name})
			continue
		}
		v, err := coerce(d.kind, raw)
		if err != nil {
			cm.log.Warn("Ignoring invalid stored setting", logger.LogFields{"name": name, "error": err.Error()})
			continue
		}
		cm.values[name] = v
	}
	return nil
}

// save writes the settings file atomically. Callers hold no lock or a read lock.
func (cm *ConfigManager) save() error {
	if cm.path == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(cm.path), ".settings-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create settings file: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(cm.values); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), cm.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace settings file %s: %w", cm.path, err)
	}
	return nil
}

// Values returns a copy of all settings.
func (cm *ConfigManager) Values() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[string]interface{}, len(cm.values))
	for k, v := range cm.values {
		out[k] = v
	}
	return out
}

// Labels returns the human-readable label of every setting.
func (cm *ConfigManager) Labels() map[string]string {
	out := make(map[string]string, len(cm.defs))
	for name, d := range cm.defs {
		if d.label != "" {
			out[name] = d.label
		} else {
			out[name] = defaultLabel(name)
		}
	}
	return out
}

// Bool returns a bool setting, false when unknown.
func (cm *ConfigManager) Bool(name string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	b, _ := cm.values[name].(bool)
	return b
}

// Int returns an integer setting, 0 when unknown.
func (cm *ConfigManager) Int(name string) int64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	n, _ := cm.values[name].(int64)
	return n
}

// String returns a string setting, "" when unknown.
func (cm *ConfigManager) String(name string) string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	s, _ := cm.values[name].(string)
	return s
}

// Set validates and applies a batch of changes. Either every change is
// applied or none is. The returned error is a 400 *server.StatusError for
// unknown, read-only or mistyped settings.
func (cm *ConfigManager) Set(changes map[string]interface{}) error {
	coerced := make(map[string]interface{}, len(changes))
	for name, raw := range changes {
		d, ok := cm.defs[name]
		if !ok {
			return server.NewStatusError(http.StatusBadRequest, fmt.Sprintf("unknown setting %q", name), nil)
		}
		if d.readOnly {
			return server.NewStatusError(http.StatusBadRequest, fmt.Sprintf("setting %q is read-only", name), nil)
		}
		v, err := coerce(d.kind, raw)
		if err != nil {
			return server.NewStatusError(http.StatusBadRequest, fmt.Sprintf("invalid value for %q", name), err)
		}
		coerced[name] = v
	}

	cm.mu.Lock()
	for name, v := range coerced {
		cm.values[name] = v
	}
	cm.mu.Unlock()

	cm.mu.RLock()
	err := cm.save()
	cm.mu.RUnlock()
	if err != nil {
		return err
	}

	if len(coerced) > 0 {
		cm.log.Info("Settings updated", logger.LogFields{"changed": len(coerced)})
		if cm.publisher != nil {
			cm.publisher.Update("config", cm.Values())
		}
	}
	return nil
}

// GetConfig writes either the settings or their labels as JSON.
func (cm *ConfigManager) GetConfig(conn *server.Connection, labels bool) error {
	var body interface{} = cm.Values()
	if labels {
		body = cm.Labels()
	}
	resp, err := server.ComposeJSON(http.StatusOK, body)
	if err != nil {
		return err
	}
	return conn.Write(resp)
}

// SetConfig applies incoming and acknowledges with an empty JSON object.
func (cm *ConfigManager) SetConfig(conn *server.Connection, incoming map[string]interface{}) error {
	if err := cm.Set(incoming); err != nil {
		return err
	}
	resp, err := server.ComposeJSON(http.StatusOK, struct{}{})
	if err != nil {
		return err
	}
	return conn.Write(resp)
}

// coerce converts a JSON or TOML decoded value to the setting's type.
func coerce(kind settingKind, raw interface{}) (interface{}, error) {
	switch kind {
	case kindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case int64:
			return v != 0, nil
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n != 0, nil
			}
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("cannot use %q as a boolean", v)
			}
			return b, nil
		}
	case kindInt:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case float64:
			if v != math.Trunc(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt64 {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot use %q as an integer", v)
			}
			return n, nil
		}
	case kindString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected type %T", raw)
}
