package resource

// purgeableQueue is a min-heap of purgeable resources ordered by timestamp,
// for use with container/heap. It keeps each resource's cache index equal to
// its heap slot.
type purgeableQueue []*Resource

func (q purgeableQueue) Len() int { return len(q) }

func (q purgeableQueue) Less(i, j int) bool { return q[i].timestamp() < q[j].timestamp() }

func (q purgeableQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	*q[i].accessCacheIndex() = i
	*q[j].accessCacheIndex() = j
}

func (q *purgeableQueue) Push(x any) {
	r := x.(*Resource)
	*r.accessCacheIndex() = len(*q)
	r.inPurgeableQueue = true
	*q = append(*q, r)
}

func (q *purgeableQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	*r.accessCacheIndex() = -1
	r.inPurgeableQueue = false
	return r
}

// peek returns the least recently used purgeable resource.
func (q purgeableQueue) peek() *Resource {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
