// Copyright 2024 BranchOrigin Authors
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

// Package cache provides the branch origin cache.
//
// BranchPoints answers "where did branch A originate from branch B" from a
// durable store of previously discovered copy points, and only falls back to
// the expensive origin finder on a miss. Newly found copy points are written
// back before the caller is notified.
package cache

import "os"

// Disabled makes every cache lookup miss, so each query reaches the origin finder.
// Set via BRANCHORIGIN_CACHE=0 environment variable.
// Discovered copy points are still persisted.
//
// This is useful for testing and debugging to verify origin finders without
// stale cached answers.
var Disabled = os.Getenv("BRANCHORIGIN_CACHE") == "0"
