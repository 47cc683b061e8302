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

// Package origin defines the contract of the history walker that discovers
// where one branch was copied from another.
//
// Walking history is expensive and lives outside this module; the cache only
// consumes a Finder.
package origin

import (
	"context"
	"errors"
	"fmt"
)

// CopyPoint is a discovered branch copy point between two queried URLs.
type CopyPoint struct {
	// SourceIsOrigin reports whether the queried source URL is the earlier
	// (trunk) side. When false, the queried target URL is the origin.
	SourceIsOrigin     bool
	CopySourceRevision int64
	CopyTargetRevision int64
}

// Finder discovers the first copy point between sourceURL and targetURL.
// A nil CopyPoint with a nil error means no relation was found.
type Finder interface {
	FindFirstCopyPoint(ctx context.Context, repoID, sourceURL, targetURL string) (*CopyPoint, error)
}

// FinderFunc adapts a function to the Finder interface.
type FinderFunc func(ctx context.Context, repoID, sourceURL, targetURL string) (*CopyPoint, error)

// FindFirstCopyPoint calls f.
func (f FinderFunc) FindFirstCopyPoint(ctx context.Context, repoID, sourceURL, targetURL string) (*CopyPoint, error) {
	return f(ctx, repoID, sourceURL, targetURL)
}

// Error is a failure of the finder to determine a relation, e.g. because the
// repository history could not be read.
type Error struct {
	Op     string
	RepoID string
	Err    error
}

func (e *Error) Error() string {
	if e.RepoID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RepoID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error for repoID with a formatted cause.
func Errorf(op, repoID, format string, args ...any) *Error {
	return &Error{Op: op, RepoID: repoID, Err: fmt.Errorf(format, args...)}
}

// IsOriginError reports whether err is or wraps an *Error.
func IsOriginError(err error) bool {
	var oe *Error
	return errors.As(err, &oe)
}
