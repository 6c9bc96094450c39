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

package node

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/blinklabs-io/tally/internal/config"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/source/grpcsource"
	"github.com/blinklabs-io/tally/source/httpsource"
	"github.com/prometheus/client_golang/prometheus"
)

// newSources creates one source client per configured upstream, all feeding
// the same validated ledger set
func newSources(
	cfg *config.Config,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
	validated *source.ValidatedLedgers,
) ([]source.Source, error) {
	ret := make([]source.Source, 0, len(cfg.Sources))
	for _, srcCfg := range cfg.Sources {
		dial, err := dialFunc(srcCfg)
		if err != nil {
			return nil, err
		}
		client, err := source.NewClient(source.ClientConfig{
			Logger:         logger,
			PromRegistry:   promRegistry,
			Dial:           dial,
			Validated:      validated,
			Name:           srcCfg.Name,
			NetworkID:      cfg.NetworkID,
			CheckNetworkID: cfg.CheckNetworkID,
		})
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", srcCfg.Name, err)
		}
		ret = append(ret, client)
	}
	return ret, nil
}

// dialFunc picks the transport from the URL scheme. A "protocol=grpc" query
// parameter switches Connect transports to the gRPC protocol.
func dialFunc(srcCfg config.SourceConfig) (source.DialFunc, error) {
	scheme, err := srcCfg.Transport()
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(srcCfg.URL)
	if err != nil {
		return nil, err
	}
	var opts []httpsource.Option
	if u.Query().Get("protocol") == "grpc" {
		opts = append(opts, httpsource.WithGRPC())
	}
	u.RawQuery = ""
	switch scheme {
	case "grpc":
		return grpcsource.Dial(u.Host), nil
	case "h2c":
		u.Scheme = "http"
		opts = append(opts, httpsource.WithH2C())
		return httpsource.Dial(u.String(), opts...), nil
	default:
		return httpsource.Dial(u.String(), opts...), nil
	}
}
