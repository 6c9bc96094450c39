// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package plugin is the registry of storage implementations. Blob and
// metadata stores register themselves from init() and are selected by name.
package plugin

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type PluginType int

const (
	PluginTypeBlob PluginType = iota + 1
	PluginTypeMetadata
)

func PluginTypeName(pluginType PluginType) string {
	switch pluginType {
	case PluginTypeBlob:
		return "blob"
	case PluginTypeMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

type Plugin interface {
	Start() error
	Stop() error
}

// Options carries the settings shared by all storage plugins. Plugins ignore
// the fields that don't apply to them.
type Options struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	DataDir      string
	// DSN is the connection string for network-backed stores
	DSN string
}

type PluginEntry struct {
	NewFromOptionsFunc func(Options) Plugin
	Name               string
	Description        string
	Type               PluginType
}

var (
	pluginEntries   []PluginEntry
	pluginEntriesMu sync.RWMutex
)

// Register adds a plugin to the registry, replacing any existing entry with
// the same type and name
func Register(entry PluginEntry) {
	pluginEntriesMu.Lock()
	defer pluginEntriesMu.Unlock()
	pluginEntries = slices.DeleteFunc(pluginEntries, func(e PluginEntry) bool {
		return e.Type == entry.Type && e.Name == entry.Name
	})
	pluginEntries = append(pluginEntries, entry)
}

func GetPlugin(pluginType PluginType, name string) *PluginEntry {
	pluginEntriesMu.RLock()
	defer pluginEntriesMu.RUnlock()
	for _, entry := range pluginEntries {
		if entry.Type == pluginType && entry.Name == name {
			return &entry
		}
	}
	return nil
}

func GetPlugins(pluginType PluginType) []PluginEntry {
	pluginEntriesMu.RLock()
	defer pluginEntriesMu.RUnlock()
	var ret []PluginEntry
	for _, entry := range pluginEntries {
		if entry.Type == pluginType {
			ret = append(ret, entry)
		}
	}
	return ret
}

// ErrorPlugin defers a construction error to Start()
type ErrorPlugin struct {
	Err error
}

func NewErrorPlugin(err error) Plugin {
	return &ErrorPlugin{Err: err}
}

func (e *ErrorPlugin) Start() error {
	return e.Err
}

func (e *ErrorPlugin) Stop() error {
	return nil
}

// StartPlugin creates the named plugin from the registry and starts it
func StartPlugin(
	pluginType PluginType,
	name string,
	opts Options,
) (Plugin, error) {
	entry := GetPlugin(pluginType, name)
	if entry == nil {
		return nil, fmt.Errorf(
			"%s plugin '%s' not found",
			PluginTypeName(pluginType),
			name,
		)
	}
	p := entry.NewFromOptionsFunc(opts)
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf(
			"failed to start %s plugin '%s': %w",
			PluginTypeName(pluginType),
			name,
			err,
		)
	}
	return p, nil
}
