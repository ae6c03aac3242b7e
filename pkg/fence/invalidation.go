/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package fence

// Invalidator issues a TLB invalidation for an address range on one GT
// and returns a fence that signals when the hardware acknowledged it.
type Invalidator interface {
	Invalidate(start, last uint64, asid uint32) *Fence
}

// NewInvalidation composes the PT-update job fence with a TLB flush:
// the returned fence signals only after the job completed *and* the
// invalidation of [start, last] was acknowledged. A job error
// propagates immediately without a TLB round trip.
func NewInvalidation(inv Invalidator, job *Fence, start, last uint64, asid uint32) *Fence {
	out := New()
	job.AddCallback(func(err error) {
		if err != nil {
			out.Signal(err)
			return
		}
		go func() {
			flush := inv.Invalidate(start, last, asid)
			<-flush.Done()
			out.Signal(flush.Err())
		}()
	})
	return out
}
