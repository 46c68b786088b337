package tdma

import "container/heap"

// Kind enumerates the worker job types.
type Kind int

const (
	WaitOnSync Kind = iota
	SlotJob
	XmitSync  // master only: emit a SYNC frame at cycle start
	BackupSync
	XmitReqCal // slave calibration request
	XmitRplCal // master calibration reply
)

// job is one entry in the cycle scheduler. Every job shares the same
// cadence (one cycle length); period/phasing only gate whether a
// SlotJob actually fires this pass, not whether the worker visits it.
type job struct {
	kind    Kind
	slot    int   // slot ID, for SlotJob
	offset  int64 // ns within the cycle this job is due
	due     int64 // absolute ns this job next fires
	index   int   // heap index, maintained by container/heap
	removed bool  // never set, and popReady does not check it
}

type jobHeap []*job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x any)        { j := x.(*job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	j.index = -1
	*h = old[:n-1]
	return j
}
func (h jobHeap) top() *job {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// jobList wraps jobHeap with a revision counter bumped on every push
// and rearm; nothing in this package reads the counter.
type jobList struct {
	h        jobHeap
	revision int64
}

func (l *jobList) push(j *job) {
	heap.Push(&l.h, j)
	l.revision++
}

func (l *jobList) popReady(now int64) *job {
	top := l.h.top()
	if top == nil || top.due > now {
		return nil
	}
	return heap.Pop(&l.h).(*job)
}

func (l *jobList) rearm(j *job, nextDue int64) {
	j.due = nextDue
	heap.Push(&l.h, j)
	l.revision++
}

func (l *jobList) nextDue() (int64, bool) {
	top := l.h.top()
	if top == nil {
		return 0, false
	}
	return top.due, true
}
