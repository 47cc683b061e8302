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

package storage

import (
	"github.com/uptrace/bun"
)

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// BranchIndexModel represents one row of the branch_indexes table: the
// serialized index of a single repository.
type BranchIndexModel struct {
	bun.BaseModel `bun:"table:branch_indexes"`

	RepoID    string `bun:"repo_id,pk"`
	Data      []byte `bun:"data,notnull"`
	Entries   int64  `bun:"entries,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"` // Unix timestamp
}
