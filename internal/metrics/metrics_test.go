// SPDX-License-Identifier: MIT

package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotTracksCounters(t *testing.T) {
	before := Current()

	IncQueueScan()
	IncItemProcessed()
	IncDecision("force_import")
	IncDecision("remove_public")
	IncDecision("keep_private")
	IncDecision("no_action")
	IncWebhookEvent("Grab")
	IncWebhookEvent("Grab")
	IncAuthFailure()
	IncRateLimited()
	IncCacheLookup(true)
	IncCacheLookup(false)
	IncAPICall(nil)
	IncAPICall(errors.New("boom"))

	after := Current()
	assert.Equal(t, before.QueueScans+1, after.QueueScans)
	assert.Equal(t, before.ItemsProcessed+1, after.ItemsProcessed)
	assert.Equal(t, before.ForcedImports+1, after.ForcedImports)
	assert.Equal(t, before.Removals+1, after.Removals)
	assert.Equal(t, before.Keeps+1, after.Keeps)
	assert.Equal(t, before.NoActions+1, after.NoActions)
	assert.Equal(t, before.WebhookEvents["Grab"]+2, after.WebhookEvents["Grab"])
	assert.Equal(t, before.AuthFailures+1, after.AuthFailures)
	assert.Equal(t, before.RateLimited+1, after.RateLimited)
	assert.Equal(t, before.CacheHits+1, after.CacheHits)
	assert.Equal(t, before.CacheMisses+1, after.CacheMisses)
	assert.Equal(t, before.ManagerAPICalls+2, after.ManagerAPICalls)
}

func TestSnapshotCopyIsDetached(t *testing.T) {
	IncWebhookEvent("Test")
	snap := Current()
	snap.WebhookEvents["Test"] = -999

	assert.NotEqual(t, int64(-999), Current().WebhookEvents["Test"])
}
