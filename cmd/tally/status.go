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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"connectrpc.com/connect"
	"github.com/blinklabs-io/tally/internal/node"
	"github.com/blinklabs-io/tally/upstream"
	"github.com/spf13/cobra"
)

func statusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:         "status",
		Short:       "Print the status of a running server",
		Annotations: map[string]string{"config": "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client := connect.NewClient[upstream.Empty, node.StatusInfo](
				http.DefaultClient,
				addr+node.StatusInfoProcedure,
				connect.WithCodec(upstream.Codec{}),
			)
			res, err := client.CallUnary(ctx, connect.NewRequest(&upstream.Empty{}))
			if err != nil {
				return fmt.Errorf("status request: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Msg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:51233", "status server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
