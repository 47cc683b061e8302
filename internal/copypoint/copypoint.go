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

// Package copypoint holds the facts recorded about branch copy points.
//
// A BranchCopyData says that Target@TargetRevision was created by copying
// Source@SourceRevision. An Inversion pairs a fact with the orientation the
// caller asked about, so callers never have to detect swapped direction.
package copypoint

import "fmt"

// BranchCopyData describes one discovered copy point.
type BranchCopyData struct {
	Source         string
	SourceRevision int64
	Target         string
	TargetRevision int64
}

// New returns a BranchCopyData for source@sourceRev copied to target@targetRev.
func New(source string, sourceRev int64, target string, targetRev int64) BranchCopyData {
	return BranchCopyData{
		Source:         source,
		SourceRevision: sourceRev,
		Target:         target,
		TargetRevision: targetRev,
	}
}

// Invert returns the fact with source and target swapped.
func (d BranchCopyData) Invert() BranchCopyData {
	return BranchCopyData{
		Source:         d.Target,
		SourceRevision: d.TargetRevision,
		Target:         d.Source,
		TargetRevision: d.SourceRevision,
	}
}

func (d BranchCopyData) String() string {
	return fmt.Sprintf("source: %s@%d target: %s@%d", d.Source, d.SourceRevision, d.Target, d.TargetRevision)
}

// Inversion wraps a stored fact together with its orientation relative to a query.
// InvertedSense is true when the fact's (source, target) pair is the reverse
// of what the caller asked for.
type Inversion struct {
	Wrapped       BranchCopyData
	InvertedSense bool
}

// NewInversion wraps data with the given sense.
func NewInversion(invertedSense bool, data BranchCopyData) *Inversion {
	return &Inversion{Wrapped: data, InvertedSense: invertedSense}
}

// AsStored returns the fact exactly as stored or discovered.
func (i *Inversion) AsStored() BranchCopyData {
	return i.Wrapped
}

// True returns the fact in the caller's requested orientation.
func (i *Inversion) True() BranchCopyData {
	if i.InvertedSense {
		return i.Wrapped.Invert()
	}
	return i.Wrapped
}

// Inverted returns the stored fact inverted, regardless of sense.
func (i *Inversion) Inverted() BranchCopyData {
	return i.Wrapped.Invert()
}

func (i *Inversion) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("inverted: %t wrapped: %s", i.InvertedSense, i.Wrapped)
}
