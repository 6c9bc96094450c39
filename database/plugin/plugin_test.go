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

package plugin_test

import (
	"errors"
	"testing"

	"github.com/blinklabs-io/tally/database/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPlugin struct {
	opts    plugin.Options
	started bool
}

func (m *mockPlugin) Start() error {
	m.started = true
	return nil
}

func (m *mockPlugin) Stop() error { return nil }

func TestRegisterAndStart(t *testing.T) {
	name := "mock-" + t.Name()
	plugin.Register(plugin.PluginEntry{
		Type: plugin.PluginTypeBlob,
		Name: name,
		NewFromOptionsFunc: func(opts plugin.Options) plugin.Plugin {
			return &mockPlugin{opts: opts}
		},
	})
	require.NotNil(t, plugin.GetPlugin(plugin.PluginTypeBlob, name))
	assert.Nil(t, plugin.GetPlugin(plugin.PluginTypeMetadata, name))

	found := false
	for _, entry := range plugin.GetPlugins(plugin.PluginTypeBlob) {
		if entry.Name == name {
			found = true
		}
	}
	assert.True(t, found)

	p, err := plugin.StartPlugin(
		plugin.PluginTypeBlob,
		name,
		plugin.Options{DataDir: "/tmp/x"},
	)
	require.NoError(t, err)
	mp, ok := p.(*mockPlugin)
	require.True(t, ok)
	assert.True(t, mp.started)
	assert.Equal(t, "/tmp/x", mp.opts.DataDir)
}

func TestStartPluginErrors(t *testing.T) {
	_, err := plugin.StartPlugin(plugin.PluginTypeBlob, "missing", plugin.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob plugin 'missing' not found")

	testErr := errors.New("boom")
	name := "broken-" + t.Name()
	plugin.Register(plugin.PluginEntry{
		Type: plugin.PluginTypeMetadata,
		Name: name,
		NewFromOptionsFunc: func(plugin.Options) plugin.Plugin {
			return plugin.NewErrorPlugin(testErr)
		},
	})
	_, err = plugin.StartPlugin(plugin.PluginTypeMetadata, name, plugin.Options{})
	assert.ErrorIs(t, err, testErr)
}
