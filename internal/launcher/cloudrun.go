// Copyright 2025 Tom Barlow
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

package launcher

import (
	"context"
	"fmt"
	"sort"

	run "google.golang.org/api/run/v2"
)

// CloudRunJobs implements JobRunner by executing a pre-deployed Cloud Run
// job with per-start environment overrides.
type CloudRunJobs struct {
	svc *run.Service
	// job is the fully qualified name: projects/{p}/locations/{l}/jobs/{j}.
	job string
}

// NewCloudRunJobs creates a runner for the named job using ambient
// credentials.
func NewCloudRunJobs(ctx context.Context, job string) (*CloudRunJobs, error) {
	if job == "" {
		return nil, fmt.Errorf("cloud run job name is required")
	}
	svc, err := run.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud run service: %w", err)
	}
	return &CloudRunJobs{svc: svc, job: job}, nil
}

// Run starts one job execution and returns the long-running operation name.
func (c *CloudRunJobs) Run(ctx context.Context, env map[string]string) (string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make([]*run.GoogleCloudRunV2EnvVar, 0, len(env))
	for _, k := range keys {
		vars = append(vars, &run.GoogleCloudRunV2EnvVar{Name: k, Value: env[k]})
	}

	req := &run.GoogleCloudRunV2RunJobRequest{
		Overrides: &run.GoogleCloudRunV2Overrides{
			ContainerOverrides: []*run.GoogleCloudRunV2ContainerOverride{
				{Env: vars},
			},
		},
	}

	op, err := c.svc.Projects.Locations.Jobs.Run(c.job, req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to run job %s: %w", c.job, err)
	}
	return op.Name, nil
}
