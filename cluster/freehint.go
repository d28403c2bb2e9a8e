// Package cluster provides an in-memory bitmap hint of likely-free FAT
// clusters, built with one linear FAT scan at mount time. It accelerates
// allocContiguous's free-run search on large cards; the FAT itself remains
// the sole source of truth; this bitmap can go stale (e.g. if something
// else touches the FAT) without corrupting anything — allocContiguous
// always double-checks with fatGet before committing a run.
package cluster

import (
	"github.com/boljen/go-bitmap"
)

// Clusters are numbered from 2 through clusterCount+1 inclusive; FreeHint
// stores bit (cluster-2) internally so the bitmap has no wasted low end.
type FreeHint struct {
	bm           bitmap.Bitmap
	clusterCount uint32
}

// New builds an empty hint sized for clusterCount data clusters (numbered
// 2..clusterCount+1). Every cluster starts marked free; callers normally
// populate it immediately afterward with a single FAT scan via MarkAllocated.
func New(clusterCount uint32) *FreeHint {
	return &FreeHint{
		bm:           bitmap.New(int(clusterCount)),
		clusterCount: clusterCount,
	}
}

func (h *FreeHint) index(cluster uint32) int {
	return int(cluster - 2)
}

// MarkAllocated records that cluster is in use.
func (h *FreeHint) MarkAllocated(cluster uint32) {
	if cluster < 2 || cluster > h.clusterCount+1 {
		return
	}
	h.bm.Set(h.index(cluster), true)
}

// MarkFree records that cluster is available.
func (h *FreeHint) MarkFree(cluster uint32) {
	if cluster < 2 || cluster > h.clusterCount+1 {
		return
	}
	h.bm.Set(h.index(cluster), false)
}

// IsFreeHint reports whether the bitmap believes cluster is unallocated.
// Callers must still confirm with fatGet before trusting this for an
// allocation decision.
func (h *FreeHint) IsFreeHint(cluster uint32) bool {
	if cluster < 2 || cluster > h.clusterCount+1 {
		return false
	}
	return !h.bm.Get(h.index(cluster))
}
