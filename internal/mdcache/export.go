// Copyright 2025 MDCFS Authors
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

package mdcache

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"mdcfs/internal/fsal"
)

// Export wraps one sub-filesystem export with cache bookkeeping. Its lock
// guards the association list and is always taken after any entry lock
// involved in the same operation (see withBothLocks).
type Export struct {
	mu sync.RWMutex

	id    string
	name  string
	sub   fsal.Export
	cache *Cache

	// entries lists the associations pointing at cached entries this
	// export references; insertion order.
	entries []*Association
}

// ID returns the export's cache-assigned identifier.
func (x *Export) ID() string {
	return x.id
}

// Name returns the export's configured name.
func (x *Export) Name() string {
	return x.name
}

// Sub returns the wrapped sub-filesystem export.
func (x *Export) Sub() fsal.Export {
	return x.sub
}

// EntryCount returns the number of cached entries currently associated
// with the export.
func (x *Export) EntryCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// removeAssociation drops a from the export's association list.
// Caller holds the export lock.
func (x *Export) removeAssociation(a *Association) bool {
	for i, cur := range x.entries {
		if cur == a {
			x.entries = append(x.entries[:i], x.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Unexport tears the export down: the backend releases its own
// export-level resources first, then the cache drains every association,
// handing entries with no remaining export reference to the cleanup
// queue. The backend error, if any, does not stop the drain.
func (x *Export) Unexport(ctx context.Context) error {
	err := x.sub.Unexport(ctx)
	if err != nil {
		log.WithError(err).WithField("export", x.name).Warn("backend unexport failed, draining cache anyway")
	}
	x.drainEntries()
	return err
}

// Release frees the backend's export bookkeeping. Caller contract: only
// after Unexport has completed; there is deliberately no re-check here.
func (x *Export) Release(ctx context.Context) error {
	return x.sub.ReleaseExport(ctx)
}

// The operations below carry no caching semantics and pass straight
// through to the sub-filesystem.

func (x *Export) DynamicInfo(ctx context.Context) (*fsal.DynamicInfo, error) {
	return x.sub.DynamicInfo(ctx)
}

func (x *Export) Limits() fsal.Limits {
	return x.sub.Limits()
}

func (x *Export) Supports(c fsal.Capability) bool {
	return x.sub.Supports(c)
}

func (x *Export) LeaseTime() time.Duration {
	return x.sub.LeaseTime()
}

func (x *Export) CheckQuota(ctx context.Context, path string, kind fsal.QuotaKind) error {
	return x.sub.CheckQuota(ctx, path, kind)
}

func (x *Export) GetQuota(ctx context.Context, path string, kind fsal.QuotaKind, id uint32) (*fsal.Quota, error) {
	return x.sub.GetQuota(ctx, path, kind, id)
}

func (x *Export) SetQuota(ctx context.Context, path string, kind fsal.QuotaKind, id uint32, q *fsal.Quota) (*fsal.Quota, error) {
	return x.sub.SetQuota(ctx, path, kind, id, q)
}

func (x *Export) ExtractHandle(wire []byte) (fsal.Handle, error) {
	return x.sub.ExtractHandle(wire)
}

func (x *Export) WriteVerifier() [8]byte {
	return x.sub.WriteVerifier()
}
